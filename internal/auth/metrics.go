package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	TokenAcquisitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carrier_token_acquisitions_total",
			Help: "Count of OAuth token acquisitions per carrier",
		},
		[]string{"carrier"},
	)
)

func init() {
	prometheus.MustRegister(TokenAcquisitions)
}
