package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// RequestObserver records one finished HTTP request.
type RequestObserver interface {
	ObserveRequest(method, route string, code int, d time.Duration)
}

// MetricsMiddleware tracks request metrics by chi route pattern, so path
// parameters do not explode label cardinality.
func MetricsMiddleware(obs RequestObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrapWriter(w)

			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			obs.ObserveRequest(r.Method, route, wrapped.statusCode, time.Since(start))
		})
	}
}
