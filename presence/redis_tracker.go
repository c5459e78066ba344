package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DefaultRedisKeyPrefix namespaces presence keys in a shared Redis.
const DefaultRedisKeyPrefix = "chatrelay:lastseen:"

// RedisTracker is a Tracker backed by Redis, for deployments that want
// last-seen records to survive relay restarts. Each record is a JSON value
// stored under prefix+nickname with the retention period as its TTL.
// Concurrent LastSeen calls for the same nickname share one round trip.
type RedisTracker struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	group     singleflight.Group
}

// NewRedisTracker creates a RedisTracker.
//
// Example:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	tracker := NewRedisTracker(client, "", 24*time.Hour)
//
// Parameters:
//   - client: Connected Redis client
//   - prefix: Key prefix; empty selects DefaultRedisKeyPrefix
//   - retention: TTL of each record; zero or less keeps records forever
func NewRedisTracker(client *redis.Client, prefix string, retention time.Duration) *RedisTracker {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	if retention < 0 {
		retention = 0
	}

	return &RedisTracker{
		client:    client,
		prefix:    prefix,
		retention: retention,
	}
}

// Departed implements Tracker.
func (t *RedisTracker) Departed(ctx context.Context, nickname, remoteAddr string, at time.Time) error {
	if nickname == "" {
		return ErrEmptyNickname
	}

	data, err := json.Marshal(Record{Nickname: nickname, RemoteAddr: remoteAddr, DepartedAt: at})
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	if err := t.client.Set(ctx, t.key(nickname), data, t.retention).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// Returned implements Tracker.
func (t *RedisTracker) Returned(ctx context.Context, nickname string) error {
	if err := t.client.Del(ctx, t.key(nickname)).Err(); err != nil {
		return fmt.Errorf("redis del error: %w", err)
	}

	return nil
}

// LastSeen implements Tracker.
func (t *RedisTracker) LastSeen(ctx context.Context, nickname string) (Record, bool, error) {
	key := t.key(nickname)
	v, err, _ := t.group.Do(key, func() (interface{}, error) {
		val, err := t.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		if err != nil {
			return nil, fmt.Errorf("redis get error: %w", err)
		}

		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
		}

		return rec, nil
	})
	if err != nil {
		return Record{}, false, err
	}

	rec, ok := v.(Record)
	return rec, ok, nil
}

// Ping checks that Redis is reachable.
func (t *RedisTracker) Ping(ctx context.Context) error {
	return t.client.Ping(ctx).Err()
}

func (t *RedisTracker) key(nickname string) string {
	return t.prefix + nickname
}
