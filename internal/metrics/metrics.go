// Package metrics collects and exposes Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector registers relay metrics against one registry. A nil *Collector
// is valid and records nothing, so wiring metrics stays optional in tests.
type Collector struct {
	sessionsActive  prometheus.Gauge
	messagesRelayed prometheus.Counter
	messagesQueued  prometheus.Counter
	duplicates      prometheus.Counter
	framesDropped   prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pigeon_sessions_active",
			Help: "Number of identities currently holding a live session.",
		}),
		messagesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_messages_relayed_total",
			Help: "Messages pushed live to a connected recipient.",
		}),
		messagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_messages_queued_total",
			Help: "Messages queued for an offline recipient.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_messages_duplicate_total",
			Help: "Submits suppressed by the duplicate window.",
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pigeon_frames_dropped_total",
			Help: "Outbound frames dropped because a session could not keep up.",
		}),
	}

	reg.MustRegister(
		c.sessionsActive,
		c.messagesRelayed,
		c.messagesQueued,
		c.duplicates,
		c.framesDropped,
	)
	return c
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

func (c *Collector) MessageRelayed() {
	if c == nil {
		return
	}
	c.messagesRelayed.Inc()
}

func (c *Collector) MessageQueued() {
	if c == nil {
		return
	}
	c.messagesQueued.Inc()
}

func (c *Collector) DuplicateSuppressed() {
	if c == nil {
		return
	}
	c.duplicates.Inc()
}

func (c *Collector) FrameDropped() {
	if c == nil {
		return
	}
	c.framesDropped.Inc()
}
