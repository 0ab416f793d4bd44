package buzzworker

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the worker's Prometheus collectors. A nil registerer keeps them
// unregistered, which tests rely on.
type Metrics struct {
	requests *prometheus.CounterVec
	precache *prometheus.CounterVec
	state    prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buzzworker",
			Name:      "cache_requests_total",
			Help:      "Intercepted requests by partition and outcome.",
		}, []string{"partition", "outcome"}),
		precache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buzzworker",
			Name:      "precache_assets_total",
			Help:      "Precache assets handled at install by result.",
		}, []string{"result"}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "buzzworker",
			Name:      "worker_state",
			Help:      "Lifecycle state: 0 parsed, 1 installing, 2 installed, 3 activating, 4 activated, 5 redundant.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.requests, m.precache, m.state)
	}
	return m
}

func (m *Metrics) observeRequest(partition, outcome string) {
	m.requests.WithLabelValues(partition, outcome).Inc()
}

func (m *Metrics) observePrecache(result string) {
	m.precache.WithLabelValues(result).Inc()
}

func (m *Metrics) setState(s State) {
	m.state.Set(float64(s))
}
