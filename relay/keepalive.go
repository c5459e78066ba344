package relay

import (
	"context"
	"time"

	"github.com/cyberinferno/chatrelay/frame"
	"github.com/cyberinferno/chatrelay/logger"
)

var pingFrame = frame.MustEncode(frame.TagPing, "")

// Keepalive periodically broadcasts a ping to every session. No reply is
// expected; the point is to push a write through every connection so dead
// peers are evicted by the same path as chat delivery even when the relay is
// otherwise idle.
type Keepalive struct {
	delivery *Delivery
	interval time.Duration
	log      logger.Logger
}

// NewKeepalive creates a Keepalive ticking every interval.
func NewKeepalive(delivery *Delivery, interval time.Duration, log logger.Logger) *Keepalive {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Keepalive{delivery: delivery, interval: interval, log: log}
}

// Run ticks until ctx is cancelled.
func (k *Keepalive) Run(ctx context.Context) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.Tick()
		}
	}
}

// Tick sends one ping broadcast.
//
// Returns:
//   - The number of sessions pinged successfully
func (k *Keepalive) Tick() int {
	n := k.delivery.Broadcast("", pingFrame)
	k.log.Debug("keepalive sent", logger.Field{Key: "recipients", Value: n})
	return n
}
