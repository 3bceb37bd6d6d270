package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var jobsAdded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_queue_jobs_added_total",
	Help: "Jobs enqueued, by job type.",
}, []string{"type"})

var jobsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_queue_jobs_completed_total",
	Help: "Jobs which completed successfully, by job type.",
}, []string{"type"})

var jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_queue_jobs_failed_total",
	Help: "Jobs which exhausted retries and entered the DLQ, by job type.",
}, []string{"type"})

var jobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "devicebridge_queue_job_retries_total",
	Help: "Retry attempts scheduled, by job type.",
}, []string{"type"})

var delayedPromoted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "devicebridge_queue_delayed_promoted_total",
	Help: "Delayed jobs promoted to their priority list.",
})

var activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "devicebridge_queue_active_jobs",
	Help: "Jobs currently being processed by this instance.",
})
