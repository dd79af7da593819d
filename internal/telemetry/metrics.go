package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ScansSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_jobs_submitted_total", Help: "Scan jobs accepted by the API"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	ScansSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_jobs_succeeded_total", Help: "Scan jobs that reached succeeded"})
	ScansRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_jobs_retried_total", Help: "Failed attempts sent back to pending"})
	ScansFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_jobs_failed_total", Help: "Scan jobs that exhausted their attempts"})
	StaleReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "scan_jobs_stale_reclaimed_total", Help: "Running jobs swept by the stale reclaim"})
	RiskEventsEmitted = prometheus.NewCounter(prometheus.CounterOpts{Name: "risk_events_emitted_total", Help: "Risk events written by succeeded jobs"})
	PendingGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scan_jobs_pending", Help: "Jobs currently pending"})
	RunningGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "scan_jobs_running", Help: "Jobs currently claimed by this process"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ScansSubmitted,
			RateLimitRejects,
			ScansSucceeded,
			ScansRetried,
			ScansFailed,
			StaleReclaimed,
			RiskEventsEmitted,
			PendingGauge,
			RunningGauge,
		)
	})
	return promhttp.Handler()
}
