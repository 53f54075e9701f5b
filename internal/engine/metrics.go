package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilnhq/kiln/internal/model"
)

var (
	pipelinesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pipelines_total",
			Help: "Total number of finished pipeline runs.",
		},
		[]string{"trigger", "status"},
	)

	pipelinesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pipelines_active",
			Help: "Number of pipeline runs currently executing.",
		},
	)

	pipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_pipeline_step_duration_seconds",
			Help:    "Duration of individual pipeline steps in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"step"},
	)

	pipelinesSuperseded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_pipelines_superseded_total",
			Help: "Total number of in-progress runs cancelled by a newer run on the same branch.",
		},
	)
)

func init() {
	prometheus.MustRegister(pipelinesTotal)
	prometheus.MustRegister(pipelinesActive)
	prometheus.MustRegister(pipelineStepDuration)
	prometheus.MustRegister(pipelinesSuperseded)

	// Pre-initialize label combinations so dashboards see zeroes instead of
	// missing series.
	for _, trigger := range []string{model.TriggerPush, model.TriggerManual} {
		for _, status := range []string{model.StatusSucceeded, model.StatusFailed, model.StatusCancelled} {
			pipelinesTotal.WithLabelValues(trigger, status)
		}
	}
	for _, step := range []string{model.StepResolve, model.StepBuild, model.StepPush, model.StepCleanup} {
		pipelineStepDuration.WithLabelValues(step)
	}
}
