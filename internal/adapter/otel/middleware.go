package otel

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware creates a server span per request. Once the router has
// matched, the span is renamed to "<METHOD> <route pattern>" so requests for
// different run IDs share one name. Health probes and WebSocket upgrades are
// not traced.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	traced := otelhttp.NewMiddleware(serviceName,
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/health" && r.URL.Path != "/ws"
		}),
	)
	return func(next http.Handler) http.Handler {
		return traced(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					trace.SpanFromContext(r.Context()).SetName(r.Method + " " + p)
				}
			}
		}))
	}
}
