package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs enqueued"}, []string{"lane"})
	CompletedCounter  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"lane"})
	RetryCounter      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs that failed and were scheduled for retry"}, []string{"lane"})
	DeadLetterCounter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_dead_letter_total", Help: "Jobs moved to the dead-letter queue"}, []string{"lane"})
	QueueDepthGauge   = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Ready queue depth"}, []string{"lane"})
	InFlightGauge     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently leased"}, []string{"lane"})

	WebhookDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "webhook_deliveries_total", Help: "Webhook delivery attempts by outcome"}, []string{"status"})
	RateLimitRejects  = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratelimit_rejects_total", Help: "Requests rejected by the rate limiter"})
	AuthCacheHits     = prometheus.NewCounter(prometheus.CounterOpts{Name: "authcache_hits_total", Help: "Token cache hits"})
	AuthCacheMisses   = prometheus.NewCounter(prometheus.CounterOpts{Name: "authcache_misses_total", Help: "Token cache misses"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			CompletedCounter,
			RetryCounter,
			DeadLetterCounter,
			QueueDepthGauge,
			InFlightGauge,
			WebhookDeliveries,
			RateLimitRejects,
			AuthCacheHits,
			AuthCacheMisses,
		)
	})
	return promhttp.Handler()
}
