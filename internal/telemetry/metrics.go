package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_jobs_submitted_total", Help: "Jobs accepted for composition"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_jobs_completed_total", Help: "Jobs whose composition finished successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_jobs_failed_total", Help: "Jobs that ended in error"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	BackupUploads    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_backup_uploads_total", Help: "Files mirrored to the backup store"})
	BackupFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_backup_failures_total", Help: "Backup uploads that failed"})
	PublishSuccess   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_publish_success_total", Help: "Reels published to the platform"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reel_publish_failures_total", Help: "Publish attempts that ended in failure"})
	JobsInFlight     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reel_jobs_inflight", Help: "Jobs currently composing"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsCompleted,
			JobsFailed,
			RateLimitRejects,
			BackupUploads,
			BackupFailures,
			PublishSuccess,
			PublishFailures,
			JobsInFlight,
		)
	})
	return promhttp.Handler()
}
