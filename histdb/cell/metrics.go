package cell

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Registry = prometheus.NewRegistry()

	buildsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histdb",
		Subsystem: "cell",
		Name:      "builds_total",
		Help:      "Cell builds by result.",
	}, []string{"result"})

	elementsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "histdb",
		Subsystem: "cell",
		Name:      "elements_total",
		Help:      "Elements encoded into cells by family.",
	}, []string{"type"})

	outsideTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "histdb",
		Subsystem: "cell",
		Name:      "elements_outside_total",
		Help:      "Elements whose bounding box misses the cell they were built into.",
	})

	cellBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "histdb",
		Subsystem: "cell",
		Name:      "record_bytes",
		Help:      "Total record bytes per built cell.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
	})
)

func init() {
	Registry.MustRegister(
		buildsTotal,
		elementsTotal,
		outsideTotal,
		cellBytes,
	)
}
