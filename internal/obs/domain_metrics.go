package obs

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// TrackAPIRequestsTotal counts tracking API calls by endpoint and outcome.
	TrackAPIRequestsTotal *prometheus.CounterVec
	// TrackBatchSize records how many numbers each batch request carried.
	TrackBatchSize *prometheus.HistogramVec
	// CarrierUnavailableTotal counts requests rejected because the carrier
	// has no configured credentials.
	CarrierUnavailableTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		TrackAPIRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_api_requests_total",
			Help:      "Count of tracking API requests by endpoint and result.",
		}, []string{"endpoint", "result"})
		TrackBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "track_batch_size",
			Help:      "Distribution of tracking numbers per batch request.",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 50, 100},
		}, []string{"carrier"})
		CarrierUnavailableTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_unavailable_total",
			Help:      "Count of requests for carriers without configured credentials.",
		}, []string{"carrier"})

		mustRegisterCollector(reg, TrackAPIRequestsTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				TrackAPIRequestsTotal = v
			}
		})
		mustRegisterCollector(reg, TrackBatchSize, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.HistogramVec); ok {
				TrackBatchSize = v
			}
		})
		mustRegisterCollector(reg, CarrierUnavailableTotal, func(existing prometheus.Collector) {
			if v, ok := existing.(*prometheus.CounterVec); ok {
				CarrierUnavailableTotal = v
			}
		})
	})
}

func mustRegisterCollector(reg prometheus.Registerer, collector prometheus.Collector, reuse func(prometheus.Collector)) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if reuse != nil {
				reuse(are.ExistingCollector)
			}
			return
		}
		panic(fmt.Errorf("register domain metric: %w", err))
	}
}
