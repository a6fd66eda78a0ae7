package icmpmux

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds optional Prometheus collectors a Session reports to. A nil
// *Metrics (the default) disables all reporting, the same nil-disables
// convention used for Logger. The embedding application owns registration
// with its own prometheus.Registerer; this package never starts its own
// HTTP server or registers collectors globally on import.
type Metrics struct {
	sent    *prometheus.CounterVec
	timeout *prometheus.CounterVec
	rtt     *prometheus.HistogramVec
}

// NewMetrics builds a Metrics with the given namespace and registers its
// collectors with reg. Pass a *prometheus.Registry, or
// prometheus.DefaultRegisterer if the application wants it process-wide.
func NewMetrics(namespace string, reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_sent_total",
			Help:      "Echo Request probes sent, by address family.",
		}, []string{"family"}),
		timeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_timeout_total",
			Help:      "Probes that received no reply before their deadline, by address family.",
		}, []string{"family"}),
		rtt: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rtt_seconds",
			Help:      "Measured round-trip time for successful probes, by address family.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"family"}),
	}
	for _, c := range []prometheus.Collector{m.sent, m.timeout, m.rtt} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeSent(family Family) {
	if m == nil {
		return
	}
	m.sent.WithLabelValues(family.String()).Inc()
}

func (m *Metrics) observeTimeout(family Family) {
	if m == nil {
		return
	}
	m.timeout.WithLabelValues(family.String()).Inc()
}

func (m *Metrics) observeRTT(family Family, seconds float64) {
	if m == nil {
		return
	}
	m.rtt.WithLabelValues(family.String()).Observe(seconds)
}
