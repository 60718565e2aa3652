package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestSetupDisabled(t *testing.T) {
	for _, exporter := range []string{"", "none"} {
		tp, shutdown, err := Setup(context.Background(), Config{Exporter: exporter, Catalog: "postgres"}, nil)
		if err != nil {
			t.Fatalf("exporter %q: %v", exporter, err)
		}
		shutdown()
		if _, ok := tp.(noop.TracerProvider); !ok {
			t.Errorf("exporter %q: provider = %T, want noop", exporter, tp)
		}
	}
}

func TestSetupUnknownExporter(t *testing.T) {
	if _, _, err := Setup(context.Background(), Config{Exporter: "jaeger"}, nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSetupStdoutCommitSpan(t *testing.T) {
	tp, shutdown, err := Setup(context.Background(), Config{
		Exporter:          "stdout",
		WarehouseType:     "fs",
		WarehouseLocation: "file:///tmp/warehouse",
		Catalog:           "hadoop",
	}, nil)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	defer shutdown()
	if _, ok := tp.(noop.TracerProvider); ok {
		t.Fatal("stdout exporter returned a noop provider")
	}

	_, span := tp.Tracer(TracerName).Start(context.Background(), "icetable.commit",
		trace.WithAttributes(TableKey.String("webapp.logs"), OperationKey.String("append")))
	defer span.End()
	if !span.SpanContext().IsValid() {
		t.Fatal("commit span has no valid span context")
	}
}

func TestResource(t *testing.T) {
	tests := []struct {
		name   string
		cfg    Config
		want   map[attribute.Key]string
		absent []attribute.Key
	}{
		{
			name: "s3 warehouse with a postgres catalog",
			cfg: Config{
				ServiceVersion:    "v0.4.1",
				WarehouseType:     "s3",
				WarehouseLocation: "s3://lake/prod",
				Catalog:           "postgres",
			},
			want: map[attribute.Key]string{
				semconv.ServiceNameKey:    "icetable",
				semconv.ServiceVersionKey: "v0.4.1",
				WarehouseTypeKey:          "s3",
				WarehouseKey:              "s3://lake/prod",
				CatalogBackendKey:         "postgres",
			},
		},
		{
			name:   "unset fields are left off",
			cfg:    Config{Catalog: "hadoop"},
			want:   map[attribute.Key]string{semconv.ServiceNameKey: "icetable", CatalogBackendKey: "hadoop"},
			absent: []attribute.Key{semconv.ServiceVersionKey, WarehouseTypeKey, WarehouseKey},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Resource(tt.cfg)
			if err != nil {
				t.Fatal(err)
			}
			set := res.Set()
			for k, want := range tt.want {
				if v, ok := set.Value(k); !ok || v.AsString() != want {
					t.Errorf("%s = %q (present %v), want %q", k, v.AsString(), ok, want)
				}
			}
			for _, k := range tt.absent {
				if _, ok := set.Value(k); ok {
					t.Errorf("%s should not be set", k)
				}
			}
		})
	}
}

func TestFail(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := tp.Tracer(TracerName)

	_, failed := tracer.Start(context.Background(), "icetable.catalog.commit")
	Fail(failed, errors.New("pointer moved"))
	failed.End()
	_, ok := tracer.Start(context.Background(), "icetable.scan.plan")
	Fail(ok, nil)
	ok.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if st := spans[0].Status(); st.Code != codes.Error || st.Description != "pointer moved" {
		t.Errorf("failed span status = %+v", st)
	}
	if len(spans[0].Events()) != 1 {
		t.Errorf("failed span events = %d, want the recorded error", len(spans[0].Events()))
	}
	if st := spans[1].Status(); st.Code != codes.Unset || len(spans[1].Events()) != 0 {
		t.Errorf("successful span status = %+v, events %d", st, len(spans[1].Events()))
	}
}

func TestExtractHTTPAndFormat(t *testing.T) {
	h := http.Header{}
	h.Set("traceparent", "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01")

	sc := trace.SpanContextFromContext(ExtractHTTP(context.Background(), h))
	if !sc.IsValid() || !sc.IsRemote() {
		t.Fatalf("span context = %+v, want valid remote", sc)
	}
	if got := FormatTraceparent(sc); got != h.Get("traceparent") {
		t.Errorf("round trip = %q, want %q", got, h.Get("traceparent"))
	}

	if sc := trace.SpanContextFromContext(ExtractHTTP(context.Background(), http.Header{})); sc.IsValid() {
		t.Error("no header should yield no span context")
	}
	if got := FormatTraceparent(trace.SpanContext{}); got != "" {
		t.Errorf("invalid span context = %q, want empty", got)
	}
}
