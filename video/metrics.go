package video

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	framesCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "camshm",
		Name:      "frames_captured_total",
		Help:      "Frames acquired from the capture source.",
	})
	framesPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camshm",
		Name:      "frames_published_total",
		Help:      "Frames published per shared memory channel.",
	}, []string{"channel"})
	conversionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camshm",
		Name:      "conversion_errors_total",
		Help:      "Frames dropped because pixel conversion failed.",
	}, []string{"channel"})
	publishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camshm",
		Name:      "publish_errors_total",
		Help:      "Frames that could not be written to a channel.",
	}, []string{"channel"})
	transientErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camshm",
		Name:      "transient_capture_errors_total",
		Help:      "Acquire attempts that failed and were retried.",
	}, []string{"reason"})
	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "camshm",
		Name:      "cycle_duration_seconds",
		Help:      "Time spent converting and publishing one frame.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	channelGeneration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camshm",
		Name:      "channel_generation",
		Help:      "Latest generation published per channel.",
	}, []string{"channel"})
)
