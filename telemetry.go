package upscale

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	metricsNamespace = "xprim"
	metricsSubsystem = "upscale"
)

var tracer = otel.Tracer("github.com/prethora/xprim-upscale")

var (
	tilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tiles_total",
			Help:      "Tiles processed, by outcome",
		},
		[]string{"outcome"}, // ok, failed
	)

	tileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tile_duration_seconds",
			Help:      "Inference time per tile attempt",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)

	imagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "images_total",
			Help:      "Images upscaled, by model and outcome",
		},
		[]string{"model", "outcome"}, // ok, degraded, error
	)

	modelLoadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "model_loads_total",
			Help:      "Model load attempts, by model and outcome",
		},
		[]string{"model", "outcome"},
	)

	modelLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "model_load_duration_seconds",
			Help:      "Time to construct and place a model",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	deviceResidentBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "device_resident_bytes",
			Help:      "Parameter bytes reserved on the compute device",
		},
	)

	downloadAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "download_attempts_total",
			Help:      "Weight download attempts, by outcome",
		},
		[]string{"outcome"}, // ok, retry, error
	)

	downloadBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "download_bytes_total",
			Help:      "Weight bytes received",
		},
	)
)

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
