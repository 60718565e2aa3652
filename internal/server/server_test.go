package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/florinutz/icetable/health"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	api := chi.NewRouter()
	api.Get("/namespaces", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"namespaces":[]}`))
	})
	ts := httptest.NewServer(New(api, opts).Handler)
	t.Cleanup(ts.Close)
	return ts
}

func TestServerRoutes(t *testing.T) {
	checker := health.NewChecker()
	checker.RegisterProbe("catalog", func(context.Context) error { return nil })
	ready := health.NewReadinessChecker()
	ready.SetReady(true)
	ts := newTestServer(t, Options{Checker: checker, Readiness: ready})

	tests := []struct {
		path string
		want int
	}{
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/namespaces", http.StatusOK},
		{"/namespaces", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("code = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestServerWithoutCheckers(t *testing.T) {
	ts := newTestServer(t, Options{})
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: code = %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestTraceparentContinuesCallerTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ts := newTestServer(t, Options{Tracer: tp.Tracer("test")})

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/namespaces", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := resp.Header.Get("traceparent")
	if !strings.HasPrefix(got, "00-"+traceID+"-") {
		t.Fatalf("traceparent = %q, want trace %s", got, traceID)
	}
	if strings.Contains(got, "00f067aa0ba902b7") {
		t.Errorf("traceparent %q reuses the caller span id", got)
	}
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Options{CORSOrigins: []string{"https://console.example.com"}})

	tests := []struct {
		origin string
		want   string
	}{
		{"https://console.example.com", "https://console.example.com"},
		{"https://evil.example.com", ""},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/namespaces", nil)
		req.Header.Set("Origin", tt.origin)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != tt.want {
			t.Errorf("origin %s: allow = %q, want %q", tt.origin, got, tt.want)
		}
	}
}
