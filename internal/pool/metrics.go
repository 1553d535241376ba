package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "authcore",
		Subsystem: "pool",
		Name:      "utilization_ratio",
		Help:      "Acquired connections over max connections, per pool.",
	}, []string{"pool"})

	poolLeaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "authcore",
		Subsystem: "pool",
		Name:      "lease_duration_seconds",
		Help:      "How long connections are held before release.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	}, []string{"pool"})
)
