package relay

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the relay's prometheus collectors.
type Metrics struct {
	Sessions            prometheus.Gauge
	FramesReceived      *prometheus.CounterVec
	Deliveries          *prometheus.CounterVec
	Evictions           *prometheus.CounterVec
	HandshakeRejections *prometheus.CounterVec
	BroadcastDuration   prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered, which is what tests and embedded relays want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_sessions",
			Help: "Number of registered sessions",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_frames_received_total",
			Help: "Frames received from registered sessions by tag",
		}, []string{"tag"}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_deliveries_total",
			Help: "Frame writes to peers by kind and result",
		}, []string{"kind", "result"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_evictions_total",
			Help: "Sessions evicted after a failed write, by reason",
		}, []string{"reason"}),
		HandshakeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_handshake_rejections_total",
			Help: "Connections closed during the nickname handshake, by reason",
		}, []string{"reason"}),
		BroadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatrelay_broadcast_seconds",
			Help:    "Time to fan one frame out to all peers",
			Buckets: prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Sessions,
			m.FramesReceived,
			m.Deliveries,
			m.Evictions,
			m.HandshakeRejections,
			m.BroadcastDuration,
		)
	}

	return m
}
