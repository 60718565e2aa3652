package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/florinutz/icetable/health"
	"github.com/florinutz/icetable/metrics"
	"github.com/florinutz/icetable/tracing"
)

// Options configures the HTTP server.
type Options struct {
	// CORSOrigins controls Access-Control-Allow-Origin; empty disables the header.
	CORSOrigins []string
	// ReadTimeout, WriteTimeout and IdleTimeout map to the http.Server
	// fields; zero leaves them unset.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	Checker      *health.Checker
	Readiness    *health.ReadinessChecker
	Tracer       trace.Tracer
	Logger       *slog.Logger
}

// New creates an HTTP server serving api under /api/v1 next to /healthz,
// /readyz and /metrics. A nil checker or readiness checker leaves its
// endpoint unregistered.
func New(api http.Handler, opts Options) *http.Server {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(traceMiddleware(opts.Tracer))
	if opts.Logger != nil {
		r.Use(logMiddleware(opts.Logger))
	}
	if len(opts.CORSOrigins) > 0 {
		r.Use(corsMiddleware(opts.CORSOrigins))
	}

	if opts.Checker != nil {
		r.Get("/healthz", opts.Checker.ServeHTTP)
	}
	if opts.Readiness != nil {
		r.Get("/readyz", opts.Readiness.ServeHTTP)
	}
	r.Handle("/metrics", promhttp.Handler())
	if api != nil {
		r.Mount("/api/v1", api)
	}

	return &http.Server{
		Handler:      r,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
}

// traceMiddleware continues the caller's trace from its traceparent header
// and echoes the request span back in the response's traceparent header.
func traceMiddleware(tr trace.Tracer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := tracing.ExtractHTTP(r.Context(), r.Header)
			if tr != nil {
				var span trace.Span
				ctx, span = tr.Start(ctx, "icetable.http "+r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer))
				defer span.End()
			}
			if tp := tracing.FormatTraceparent(trace.SpanContextFromContext(ctx)); tp != "" {
				w.Header().Set("traceparent", tp)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func logMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
			logger.DebugContext(r.Context(), "http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_s", time.Since(start).Seconds(),
			)
		})
	}
}

// corsMiddleware returns a middleware that sets Access-Control-Allow-Origin
// for requests whose Origin header matches one of the allowed origins.
// The wildcard "*" matches every origin.
func corsMiddleware(origins []string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
			break
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			if r.Method == http.MethodOptions {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, traceparent")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
