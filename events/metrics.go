package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_events_published_total",
	Help: "Broadcast events published, by type.",
}, []string{"type"})

var droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_events_dropped_total",
	Help: "Events dropped because a subscriber channel was full.",
})

var errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_component_errors_total",
	Help: "Errors recorded on the component error ring.",
}, []string{"component"})
