package interceptor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	interceptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hackium",
		Name:      "interceptions_total",
		Help:      "Responses handed to an interceptor.",
	}, []string{"interceptor"})

	transformErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hackium",
		Name:      "interceptor_errors_total",
		Help:      "Interceptor transforms that returned an error or panicked.",
	}, []string{"interceptor"})

	reloads = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hackium",
		Name:      "interceptor_reloads_total",
		Help:      "Hot reloads of interceptor modules.",
	})

	transformDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hackium",
		Name:      "interceptor_duration_seconds",
		Help:      "Time spent in interceptor transforms.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	}, []string{"interceptor"})
)
