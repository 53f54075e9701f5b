package compile

import "github.com/prometheus/client_golang/prometheus"

var (
	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_compile_cache_hits_total",
			Help: "Runs served from the shape-keyed engine cache.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_compile_cache_misses_total",
			Help: "Runs (or initial compiles) that required an engine build.",
		},
	)

	recompilationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_compile_recompilations_total",
			Help: "Engine rebuilds triggered by a new input shape after the initial compile.",
		},
	)

	cacheResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_compile_cache_resets_total",
			Help: "Explicit engine cache resets.",
		},
	)

	engineBuildSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_compile_engine_build_seconds",
			Help:    "Duration of engine builds, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(cacheHits)
	prometheus.MustRegister(cacheMisses)
	prometheus.MustRegister(recompilationsTotal)
	prometheus.MustRegister(cacheResets)
	prometheus.MustRegister(engineBuildSeconds)
}
