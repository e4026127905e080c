package fetch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts upstream traffic. A nil *Metrics records nothing.
type Metrics struct {
	responses *prometheus.CounterVec
	retries   *prometheus.CounterVec
	degrades  *prometheus.CounterVec
}

// NewMetrics creates and registers the upstream collectors
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_responses_total",
				Help: "Upstream HTTP responses by endpoint and status class",
			},
			[]string{"endpoint", "code"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_retries_total",
				Help: "Upstream retry attempts by endpoint",
			},
			[]string{"endpoint"},
		),
		degrades: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "upstream_degraded_total",
				Help: "Upstream fetches that ended without data",
			},
			[]string{"endpoint", "status"},
		),
	}
	reg.MustRegister(m.responses, m.retries, m.degrades)
	return m
}

func (m *Metrics) response(endpoint string, code int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(endpoint, strconv.Itoa(code/100)+"xx").Inc()
}

func (m *Metrics) retry(endpoint string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) degraded(endpoint string, status Status) {
	if m == nil {
		return
	}
	m.degrades.WithLabelValues(endpoint, status.String()).Inc()
}
