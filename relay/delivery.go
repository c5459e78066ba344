package relay

import (
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/chatrelay/logger"
	"github.com/cyberinferno/chatrelay/safeset"
)

// Delivery writes frames to registered sessions and evicts the ones whose
// write fails. It is shared by the dispatcher, the keepalive emitter and the
// handshake's join notice.
type Delivery struct {
	registry    *Registry
	parallelism int
	metrics     *Metrics
	log         logger.Logger
}

// NewDelivery creates a Delivery over registry.
//
// Parameters:
//   - registry: Source of recipients and target of evictions
//   - parallelism: Maximum concurrent writes within one broadcast
//   - metrics: Collectors; nil creates unregistered ones
//   - log: Logger; nil discards logs
func NewDelivery(registry *Registry, parallelism int, metrics *Metrics, log logger.Logger) *Delivery {
	if parallelism <= 0 {
		parallelism = DefaultBroadcastParallelism
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &Delivery{
		registry:    registry,
		parallelism: parallelism,
		metrics:     metrics,
		log:         log,
	}
}

// Broadcast writes data to every registered session except the one
// registered as exclude ("" excludes none). Writes run in parallel, each
// bounded by the session's write timeout. A failed write never stops
// delivery to the others; failed sessions are evicted together once the
// fan-out completes.
//
// Returns:
//   - The number of sessions the frame was written to
func (d *Delivery) Broadcast(exclude string, data []byte) int {
	start := time.Now()
	targets := d.registry.Snapshot()
	failed := safeset.NewSafeSet[writeFailure]()

	var (
		delivered atomic.Int64
		g         errgroup.Group
	)
	g.SetLimit(d.parallelism)

	for _, s := range targets {
		if exclude != "" && s.Nickname() == exclude {
			continue
		}

		g.Go(func() error {
			if err := s.Send(data); err != nil {
				failed.Add(writeFailure{session: s, reason: d.logWriteFailure(s, "broadcast", err)})
				return nil
			}

			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	for _, f := range failed.Drain() {
		d.evict(f.session, f.reason)
	}

	d.metrics.Deliveries.WithLabelValues("broadcast", "ok").Add(float64(delivered.Load()))
	d.metrics.BroadcastDuration.Observe(time.Since(start).Seconds())

	return int(delivered.Load())
}

// Unicast writes data to the session registered as target. An absent target
// is a no-op. A failed write evicts the target immediately.
//
// Returns:
//   - true if the frame was written
func (d *Delivery) Unicast(target string, data []byte) bool {
	s, ok := d.registry.Lookup(target)
	if !ok {
		return false
	}

	return d.SendTo(s, data)
}

// SendTo writes data to s itself, without a registry lookup. A failed write
// evicts s.
//
// Returns:
//   - true if the frame was written
func (d *Delivery) SendTo(s *Session, data []byte) bool {
	if err := s.Send(data); err != nil {
		d.evict(s, d.logWriteFailure(s, "unicast", err))
		return false
	}

	d.metrics.Deliveries.WithLabelValues("unicast", "ok").Inc()
	return true
}

type writeFailure struct {
	session *Session
	reason  string
}

func (d *Delivery) logWriteFailure(s *Session, kind string, err error) string {
	reason := writeFailureReason(err)
	d.metrics.Deliveries.WithLabelValues(kind, "failed").Inc()
	d.log.Warn("write failed, evicting session",
		logger.Field{Key: "nickname", Value: s.Nickname()},
		logger.Field{Key: "conn_id", Value: s.ID()},
		logger.Field{Key: "kind", Value: kind},
		logger.Field{Key: "reason", Value: reason},
		logger.Field{Key: "error", Value: err.Error()})

	return reason
}

// evict counts the eviction only when s still held its nickname. A session
// the reader already removed is just closed.
func (d *Delivery) evict(s *Session, reason string) {
	if d.registry.Evict(s) {
		d.metrics.Evictions.WithLabelValues(reason).Inc()
	}
}
