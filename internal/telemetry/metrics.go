package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "modqueue_jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsDone         = prometheus.NewCounter(prometheus.CounterOpts{Name: "modqueue_jobs_done_total", Help: "Jobs finished successfully"})
	JobsErrored      = prometheus.NewCounter(prometheus.CounterOpts{Name: "modqueue_jobs_error_total", Help: "Jobs finished in error"})
	JobsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "modqueue_jobs_skipped_total", Help: "Jobs skipped (disabled module or superseded)"})
	JobsTimedOut     = prometheus.NewCounter(prometheus.CounterOpts{Name: "modqueue_jobs_timeout_total", Help: "Jobs cancelled by the execution deadline"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "modqueue_rate_limit_rejects_total", Help: "Events rejected by the ingest rate limiter"})
	JobsReaped       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "modqueue_jobs_reaped_total", Help: "Jobs recovered by the reaper"}, []string{"pass"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "modqueue_jobs_inflight", Help: "Jobs currently held by worker lanes"})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "modqueue_jobs_number", Help: "Number of jobs per status"}, []string{"status"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsDone,
			JobsErrored,
			JobsSkipped,
			JobsTimedOut,
			RateLimitRejects,
			JobsReaped,
			InFlightGauge,
			JobsByStatus,
		)
	})
	return promhttp.Handler()
}
