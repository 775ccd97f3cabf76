package collab

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collaboration collectors. A nil *Metrics records nothing.
type Metrics struct {
	sessions    prometheus.Gauge
	joins       *prometheus.CounterVec
	updates     *prometheus.CounterVec
	roleChanges *prometheus.CounterVec
}

// NewMetrics builds the collectors and registers them with reg. Collectors that
// are already registered are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "storyboard",
			Subsystem: "collab",
			Name:      "active_sessions",
			Help:      "Number of connections currently joined to a project room",
		}),
		joins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyboard",
			Subsystem: "collab",
			Name:      "joins_total",
			Help:      "Join attempts by result",
		}, []string{"result"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyboard",
			Subsystem: "collab",
			Name:      "updates_total",
			Help:      "Snapshot updates by outcome and rejection reason",
		}, []string{"outcome", "reason"}),
		roleChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "storyboard",
			Subsystem: "collab",
			Name:      "role_changes_total",
			Help:      "Role change requests by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		return m
	}
	m.sessions = register(reg, m.sessions)
	m.joins = register(reg, m.joins)
	m.updates = register(reg, m.updates)
	m.roleChanges = register(reg, m.roleChanges)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func (m *Metrics) sessionJoined() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) sessionLeft() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) join(result string) {
	if m == nil {
		return
	}
	m.joins.WithLabelValues(result).Inc()
}

func (m *Metrics) update(outcome string, reason Reason) {
	if m == nil {
		return
	}
	m.updates.WithLabelValues(outcome, string(reason)).Inc()
}

func (m *Metrics) roleChange(outcome string) {
	if m == nil {
		return
	}
	m.roleChanges.WithLabelValues(outcome).Inc()
}
