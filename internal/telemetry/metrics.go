package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_jobs_submitted_total", Help: "Generation jobs accepted at the API"})
	JobsRefusedBusy  = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_jobs_refused_busy_total", Help: "Submissions refused because the queue was full"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_rate_limit_rejects_total", Help: "Submissions rejected by the per-user rate limiter"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_jobs_completed_total", Help: "Jobs that reached completed"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_jobs_failed_total", Help: "Jobs that reached failed"})
	JobsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_jobs_dead_letter_total", Help: "Exhausted jobs pushed to the DLQ"})
	RendersFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "mathviz_renders_failed_total", Help: "Render attempts that failed"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mathviz_queue_depth", Help: "Ready queue depth"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "mathviz_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsRefusedBusy,
			RateLimitRejects,
			JobsCompleted,
			JobsFailed,
			JobsDeadLetter,
			RendersFailed,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
