package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SecretCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secureshare_secret_created_total",
		Help: "no. of secrets created",
	})
	SecretViewed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secureshare_secret_viewed_total",
		Help: "no. of granted secret accesses",
	})
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secureshare_access_denied_total",
			Help: "no. of denied secret accesses",
		},
		[]string{"reason"},
	)
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secureshare_cache_hits_total",
		Help: "no. of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secureshare_cache_misses_total",
		Help: "no. of cache misses",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "secureshare_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "secureshare_rate_limit_hits_total",
			Help: "no. of rate limit violations",
		},
		[]string{"policy"},
	)
	PruneCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "secureshare_prune_cycles_total",
		Help: "no. of cleanup worker cycles",
	})
	RecentErrorRatePercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "secureshare_recent_error_rate_percent",
		Help: "5min rolling avg error rate percentage",
	})
)

func Init() {
}
