package extract

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_extractions_total",
	Help: "Completed extractions, by accepted method.",
}, []string{"method"})

var extractionFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_extraction_failures_total",
	Help: "Files from which no patient identity could be extracted.",
})
