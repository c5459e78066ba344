package relay

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cyberinferno/chatrelay/frame"
)

const (
	DefaultHandshakeTimeout     = 10 * time.Second
	DefaultWriteTimeout         = 2 * time.Second
	DefaultKeepaliveInterval    = 250 * time.Millisecond
	DefaultMaxNicknameLength    = 32
	DefaultBroadcastParallelism = 32
	DefaultLastSeenRetention    = 24 * time.Hour
)

// Config holds the relay settings. Zero values are replaced by defaults when
// the server is built.
type Config struct {
	// Addr is the "host:port" to listen on.
	Addr string
	// HandshakeTimeout bounds the wait for the first (nickname) frame.
	HandshakeTimeout time.Duration
	// WriteTimeout bounds every write to a peer; a peer that cannot take a
	// frame within it is evicted.
	WriteTimeout time.Duration
	// KeepaliveInterval is the period of the ping broadcast.
	KeepaliveInterval time.Duration
	// MaxFrameSize caps the bytes buffered for a single inbound frame.
	MaxFrameSize int
	// MaxNicknameLength caps nickname length in bytes.
	MaxNicknameLength int
	// BroadcastParallelism caps concurrent writes within one broadcast.
	BroadcastParallelism int
	// AnnounceDepartures broadcasts a leave notice when a session goes away.
	AnnounceDepartures bool
	// LastSeenRetention is how long departures are remembered.
	LastSeenRetention time.Duration

	// LogLevel, MetricsAddr and RedisAddr are consumed by the server binary.
	LogLevel    string
	MetricsAddr string
	RedisAddr   string
}

// DefaultConfig returns a Config for addr with every default filled in.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:                 addr,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		WriteTimeout:         DefaultWriteTimeout,
		KeepaliveInterval:    DefaultKeepaliveInterval,
		MaxFrameSize:         frame.DefaultMaxFrameSize,
		MaxNicknameLength:    DefaultMaxNicknameLength,
		BroadcastParallelism: DefaultBroadcastParallelism,
		LastSeenRetention:    DefaultLastSeenRetention,
		LogLevel:             "info",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.Addr)
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = d.MaxFrameSize
	}
	if c.MaxNicknameLength <= 0 {
		c.MaxNicknameLength = d.MaxNicknameLength
	}
	if c.BroadcastParallelism <= 0 {
		c.BroadcastParallelism = d.BroadcastParallelism
	}
	if c.LastSeenRetention <= 0 {
		c.LastSeenRetention = d.LastSeenRetention
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}

	return c
}

// ConfigFromEnv returns DefaultConfig(addr) overlaid with RELAY_* environment
// variables. Durations use time.ParseDuration syntax ("500ms", "2s").
//
// Returns:
//   - The resulting Config
//   - An error naming the first variable that failed to parse
func ConfigFromEnv(addr string) (Config, error) {
	cfg := DefaultConfig(addr)

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"RELAY_HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout},
		{"RELAY_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"RELAY_KEEPALIVE_INTERVAL", &cfg.KeepaliveInterval},
		{"RELAY_LAST_SEEN_RETENTION", &cfg.LastSeenRetention},
	}
	for _, d := range durations {
		v, ok := lookupEnv(d.name)
		if !ok {
			continue
		}

		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be a positive duration", d.name, v)
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{"RELAY_MAX_FRAME_SIZE", &cfg.MaxFrameSize},
		{"RELAY_MAX_NICKNAME_LENGTH", &cfg.MaxNicknameLength},
		{"RELAY_BROADCAST_PARALLELISM", &cfg.BroadcastParallelism},
	}
	for _, i := range ints {
		v, ok := lookupEnv(i.name)
		if !ok {
			continue
		}

		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return Config{}, fmt.Errorf("invalid %s %q: must be a positive integer", i.name, v)
		}
		*i.dst = parsed
	}

	if v, ok := lookupEnv("RELAY_ANNOUNCE_DEPARTURES"); ok {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RELAY_ANNOUNCE_DEPARTURES %q: %w", v, err)
		}
		cfg.AnnounceDepartures = parsed
	}

	if v, ok := lookupEnv("RELAY_LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := lookupEnv("RELAY_METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := lookupEnv("RELAY_REDIS_ADDR"); ok {
		cfg.RedisAddr = v
	}

	return cfg, nil
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", false
	}

	v = strings.TrimSpace(v)
	return v, v != ""
}
