// Package tracing sets up OpenTelemetry for the engine and the server and
// defines the span attributes shared by catalog operations, commits and
// scans.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation scope of every icetable span.
const TracerName = "github.com/florinutz/icetable"

// Span and resource attribute keys.
const (
	TableKey          = attribute.Key("icetable.table")
	OperationKey      = attribute.Key("icetable.operation")
	SnapshotKey       = attribute.Key("icetable.snapshot_id")
	FilesKey          = attribute.Key("icetable.files")
	CatalogBackendKey = attribute.Key("icetable.catalog.backend")
	CatalogTargetKey  = attribute.Key("icetable.catalog.target")
	WarehouseTypeKey  = attribute.Key("icetable.warehouse.type")
	WarehouseKey      = attribute.Key("icetable.warehouse.location")
)

// Config holds the tracing settings of one engine process.
type Config struct {
	Exporter    string  // "none", "stdout" or "otlp"
	Endpoint    string  // OTLP endpoint; empty uses OTEL_EXPORTER_OTLP_ENDPOINT
	SampleRatio float64 // 0 means 1; wrapped in a ParentBased sampler

	ServiceVersion string
	// Where this process keeps tables; recorded on the resource.
	WarehouseType     string
	WarehouseLocation string
	Catalog           string
}

// Resource builds the OTel resource for cfg: the service identity plus the
// warehouse and catalog backend.
func Resource(cfg Config) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName("icetable")}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	if cfg.WarehouseType != "" {
		attrs = append(attrs, WarehouseTypeKey.String(cfg.WarehouseType))
	}
	if cfg.WarehouseLocation != "" {
		attrs = append(attrs, WarehouseKey.String(cfg.WarehouseLocation))
	}
	if cfg.Catalog != "" {
		attrs = append(attrs, CatalogBackendKey.String(cfg.Catalog))
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL, attrs...))
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("create stdout exporter: %w", err)
		}
		return exp, nil
	case "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		}
		exp, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create otlp exporter: %w", err)
		}
		return exp, nil
	}
	return nil, fmt.Errorf("unknown otel exporter: %q (expected none, stdout, or otlp)", cfg.Exporter)
}

// Setup installs a TracerProvider for cfg as the global provider and
// returns it with its shutdown function. Exporter "none" or empty yields a
// noop provider and installs nothing.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (trace.TracerProvider, func(), error) {
	if cfg.Exporter == "" || cfg.Exporter == "none" {
		return noop.NewTracerProvider(), func() {}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}

	res, err := Resource(cfg)
	if err != nil {
		return nil, nil, err
	}
	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	otel.SetTracerProvider(tp)

	shutdown := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("otel tracer provider shutdown error", "error", err)
		}
	}
	logger.Info("otel tracing enabled",
		"exporter", cfg.Exporter,
		"sample_ratio", ratio,
		"warehouse", cfg.WarehouseLocation,
		"catalog", cfg.Catalog)
	return tp, shutdown, nil
}

// Fail marks span as failed with err. A nil err leaves the span untouched.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// ExtractHTTP returns ctx carrying the remote span context found in the
// traceparent header of an incoming request, if any.
func ExtractHTTP(ctx context.Context, h http.Header) context.Context {
	return propagation.TraceContext{}.Extract(ctx, propagation.HeaderCarrier(h))
}

// FormatTraceparent returns the W3C traceparent of sc, or "" when sc is not
// valid.
func FormatTraceparent(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%s", sc.TraceID(), sc.SpanID(), sc.TraceFlags())
}
