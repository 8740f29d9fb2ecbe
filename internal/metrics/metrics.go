// ABOUTME: Prometheus collectors for the sync pipeline on a private registry
// ABOUTME: Covers frame decoding, dedup outcomes, reconnects, notifications, and refreshes

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "inbox_sync"

// Metrics holds every collector the engine updates. A nil *Metrics is
// valid and records nothing, so tests and embedders can skip it.
type Metrics struct {
	registry *prometheus.Registry

	FramesDecoded   prometheus.Counter
	FramesSkipped   *prometheus.CounterVec
	Events          *prometheus.CounterVec
	MessagesApplied *prometheus.CounterVec
	StaleFrames     prometheus.Counter
	Reconnects      *prometheus.CounterVec
	StreamState     *prometheus.GaugeVec
	Notifications   prometheus.Counter
	MarkReadErrors  prometheus.Counter
	Refreshes       *prometheus.CounterVec
	Unread          prometheus.Gauge
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		FramesDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Event frames decoded from live streams.",
		}),
		FramesSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_skipped_total",
			Help:      "Frames dropped before classification, by reason.",
		}, []string{"reason"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Classified events, by kind.",
		}, []string{"kind"}),
		MessagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Message upserts, by outcome.",
		}, []string{"outcome"}),
		StaleFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_frames_total",
			Help:      "Frames discarded because their subscription was replaced.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Backoff cycles entered, by subscription slot.",
		}, []string{"slot"}),
		StreamState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_state",
			Help:      "1 for the current state of each subscription slot.",
		}, []string{"slot", "state"}),
		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notifications raised by the gate.",
		}),
		MarkReadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mark_read_failures_total",
			Help:      "Upstream mark-read calls that failed.",
		}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Bulk conversation refreshes, by result.",
		}, []string{"result"}),
		Unread: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "unread_messages",
			Help:      "Unread messages across the watched account.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.FramesDecoded,
		m.FramesSkipped,
		m.Events,
		m.MessagesApplied,
		m.StaleFrames,
		m.Reconnects,
		m.StreamState,
		m.Notifications,
		m.MarkReadErrors,
		m.Refreshes,
		m.Unread,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) FrameDecoded() {
	if m != nil {
		m.FramesDecoded.Inc()
	}
}

func (m *Metrics) FrameSkipped(reason string) {
	if m != nil {
		m.FramesSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Event(kind string) {
	if m != nil {
		m.Events.WithLabelValues(kind).Inc()
	}
}

// Message records an upsert outcome: inserted, duplicate, status, or
// invalid.
func (m *Metrics) Message(outcome string) {
	if m != nil {
		m.MessagesApplied.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Stale() {
	if m != nil {
		m.StaleFrames.Inc()
	}
}

func (m *Metrics) Reconnect(slot string) {
	if m != nil {
		m.Reconnects.WithLabelValues(slot).Inc()
	}
}

// SetStreamState marks state as the only active state of slot.
func (m *Metrics) SetStreamState(slot, state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.StreamState.WithLabelValues(slot, s).Set(v)
	}
}

func (m *Metrics) Notified() {
	if m != nil {
		m.Notifications.Inc()
	}
}

func (m *Metrics) MarkReadFailed() {
	if m != nil {
		m.MarkReadErrors.Inc()
	}
}

func (m *Metrics) Refreshed(result string) {
	if m != nil {
		m.Refreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) SetUnread(n int) {
	if m != nil {
		m.Unread.Set(float64(n))
	}
}
