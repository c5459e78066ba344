package presence

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryTracker is an in-process Tracker backed by go-cache. Records expire
// after the retention period given at construction.
type MemoryTracker struct {
	cache *cache.Cache
}

// NewMemoryTracker creates a MemoryTracker.
//
// Parameters:
//   - retention: How long a departure is remembered (cache.NoExpiration keeps it forever)
//   - cleanupInterval: Interval at which expired records are purged
//
// Returns:
//   - A new MemoryTracker
func NewMemoryTracker(retention, cleanupInterval time.Duration) *MemoryTracker {
	return &MemoryTracker{
		cache: cache.New(retention, cleanupInterval),
	}
}

// Departed implements Tracker.
func (t *MemoryTracker) Departed(ctx context.Context, nickname, remoteAddr string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if nickname == "" {
		return ErrEmptyNickname
	}

	t.cache.SetDefault(nickname, Record{Nickname: nickname, RemoteAddr: remoteAddr, DepartedAt: at})
	return nil
}

// Returned implements Tracker.
func (t *MemoryTracker) Returned(ctx context.Context, nickname string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.cache.Delete(nickname)
	return nil
}

// LastSeen implements Tracker.
func (t *MemoryTracker) LastSeen(ctx context.Context, nickname string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	v, found := t.cache.Get(nickname)
	if !found {
		return Record{}, false, nil
	}

	rec, ok := v.(Record)
	return rec, ok, nil
}

// Len returns the number of records held, including expired records that
// have not been purged yet.
func (t *MemoryTracker) Len() int {
	return t.cache.ItemCount()
}
