package docker

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for build outcome.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

var (
	buildsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_docker_builds_total",
			Help: "Total number of docker build invocations.",
		},
		[]string{"status"},
	)

	pushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_docker_pushes_total",
			Help: "Total number of docker push invocations.",
		},
		[]string{"status"},
	)

	buildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_docker_build_seconds",
			Help:    "Duration of successful docker builds, in seconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	pushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_docker_push_seconds",
			Help:    "Duration of successful docker pushes, in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)
)

func init() {
	prometheus.MustRegister(buildsTotal)
	prometheus.MustRegister(pushesTotal)
	prometheus.MustRegister(buildDuration)
	prometheus.MustRegister(pushDuration)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, status := range []string{statusSucceeded, statusFailed} {
		buildsTotal.WithLabelValues(status)
		pushesTotal.WithLabelValues(status)
	}
}
