package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsLoaded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etapecal_records_loaded_total",
			Help: "Total rows parsed from input tables",
		},
		[]string{"table"},
	)

	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etapecal_records_dropped_total",
			Help: "Total rows removed by the preparation pipeline",
		},
		[]string{"reason"},
	)

	SyntheticRecordsGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "etapecal_synthetic_records_generated_total",
			Help: "Total synthetic observations drawn",
		},
	)

	FitterCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etapecal_fitter_calls_total",
			Help: "Total model fitter requests",
		},
		[]string{"model", "status"},
	)

	FitterLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etapecal_fitter_latency_seconds",
			Help:    "Model fitter request latency in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"model"},
	)

	MaxRhat = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etapecal_fit_max_rhat",
			Help: "Largest split R-hat of the most recent fit",
		},
		[]string{"model"},
	)
)

// WriteTextfile dumps the default registry in the node exporter textfile
// format. The CLI exits after each command so nothing scrapes it live.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
