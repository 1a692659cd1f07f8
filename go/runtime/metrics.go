package runtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nodex_cycles_total",
	Help: "counter of completed sync cycles, by outcome",
}, []string{"status"})

var cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "nodex_cycle_duration_seconds",
	Help:    "histogram of sync cycle wall time",
	Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
})
