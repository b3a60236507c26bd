package staylink

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts synchronization activity. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	Merges         *prometheus.CounterVec
	StaleEvents    *prometheus.CounterVec
	Commands       *prometheus.CounterVec
	Rollbacks      *prometheus.CounterVec
	IgnoredUpdates *prometheus.CounterVec
	Refetches      *prometheus.CounterVec
	Reconnects     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Merges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "messages_merged_total",
			Help:      "Messages merged into conversation logs, by source.",
		}, []string{"source"}),
		StaleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "stale_events_total",
			Help:      "Edit or delete events for messages not held locally.",
		}, []string{"event"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "commands_total",
			Help:      "Acknowledged channel commands, by command and outcome.",
		}, []string{"command", "outcome"}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "optimistic_rollbacks_total",
			Help:      "Optimistic entity mutations rolled back.",
		}, []string{"kind"}),
		IgnoredUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "ignored_updates_total",
			Help:      "Authoritative updates refused by the status state machine.",
		}, []string{"kind"}),
		Refetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "refetches_total",
			Help:      "Invalidation refetches, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "staylink",
			Name:      "channel_reconnects_total",
			Help:      "Event channel reconnect attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Merges, m.StaleEvents, m.Commands, m.Rollbacks, m.IgnoredUpdates, m.Refetches, m.Reconnects)
	}
	return m
}

func (m *Metrics) merged(source string) {
	if m != nil {
		m.Merges.WithLabelValues(source).Inc()
	}
}

func (m *Metrics) stale(event string) {
	if m != nil {
		m.StaleEvents.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) command(name string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Commands.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) rolledBack(kind string) {
	if m != nil {
		m.Rollbacks.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ignored(kind string) {
	if m != nil {
		m.IgnoredUpdates.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) refetched(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.Refetches.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) reconnecting() {
	if m != nil {
		m.Reconnects.Inc()
	}
}
