package generate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics instruments generation calls. A nil registerer keeps the
// collectors unregistered.
type Metrics struct {
	Calls     *prometheus.CounterVec
	Fallbacks *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facilitator",
			Subsystem: "generate",
			Name:      "calls_total",
			Help:      "Provider calls by model and outcome.",
		}, []string{"provider", "model", "outcome"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facilitator",
			Subsystem: "generate",
			Name:      "fallbacks_total",
			Help:      "Requests answered with fallback text, by purpose and failure kind.",
		}, []string{"purpose", "kind"}),
		Latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "facilitator",
			Subsystem: "generate",
			Name:      "call_duration_seconds",
			Help:      "Provider call latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"provider", "model"}),
	}
}
