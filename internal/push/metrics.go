package push

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts settled push and click events.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics registers with reg; a nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buzzworker",
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Push and notification click events by result.",
		}, []string{"event", "result"}),
	}
	if reg != nil {
		reg.MustRegister(m.events)
	}
	return m
}

func (m *Metrics) observe(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.events.WithLabelValues(kind, result).Inc()
}
