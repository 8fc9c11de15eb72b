package middleware

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request. The span is renamed to
// "METHOD /route/{pattern}" once chi has matched the route.
func Tracing(opts ...otelhttp.Option) func(http.Handler) http.Handler {
	opts = append([]otelhttp.Option{
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + unmatchedRoute
		}),
	}, opts...)

	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if route := routePattern(r); route != unmatchedRoute {
				trace.SpanFromContext(r.Context()).SetName(r.Method + " " + route)
			}
		})
		return otelhttp.NewHandler(named, "http.server", opts...)
	}
}
