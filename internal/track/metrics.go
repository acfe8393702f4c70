package track

import "github.com/prometheus/client_golang/prometheus"

var (
	Requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracking_results_total",
			Help: "Count of tracking results by carrier and normalized status",
		},
		[]string{"carrier", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tracking_upstream_duration_seconds",
			Help:    "Latency of upstream carrier chunk requests",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"carrier"},
	)
)

func init() {
	prometheus.MustRegister(Requests, UpstreamDuration)
}
