package upscale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Trace exporters accepted by InitTracing.
const (
	TraceNone   = "none"
	TraceStdout = "stdout"
	TraceOTLP   = "otlp"
)

// DefaultOTLPEndpoint is used when OTEL_EXPORTER_OTLP_ENDPOINT is unset.
const DefaultOTLPEndpoint = "localhost:4317"

// TraceConfig selects where spans are exported.
type TraceConfig struct {
	// Exporter is TraceNone, TraceStdout or TraceOTLP.
	Exporter string

	// Endpoint is the OTLP gRPC receiver. Empty means the environment
	// or DefaultOTLPEndpoint.
	Endpoint string

	// Insecure disables TLS to the OTLP receiver.
	Insecure bool

	// Writer receives stdout spans. Nil means os.Stderr.
	Writer io.Writer
}

// InitTracing installs a global tracer provider for cfg. The returned
// function flushes and stops it and must be called before exit.
func InitTracing(ctx context.Context, cfg TraceConfig) (func(context.Context) error, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", TraceNone:
		return func(context.Context) error { return nil }, nil

	case TraceStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stderr
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))

	case TraceOTLP:
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			endpoint = DefaultOTLPEndpoint
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("%w: unknown trace exporter %q (want none, stdout or otlp)", ErrInvalidConfig, cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s trace exporter: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes("",
			attribute.String("service.name", DefaultAppName),
		)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.ForceFlush(ctx), tp.Shutdown(ctx))
	}, nil
}
