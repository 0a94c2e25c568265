package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ScrapePath is the Prometheus scrape endpoint. Requests to it are timed
// but neither traced nor logged.
const ScrapePath = "/metrics"

// unmatchedRoute labels requests no mux pattern matched.
const unmatchedRoute = "unmatched"

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the metrics and probe server, which must be an
// [http.ServeMux] (or another handler that sets [http.Request.Pattern]).
//
// Every request is recorded in [Metrics.HTTPRequestDuration] labelled by
// method, matched route and status code. Other requests additionally run in
// a server span continuing any incoming W3C trace, get an X-Correlation-ID
// header and a debug log line. Scrapes of [ScrapePath] are only timed.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

			if r.URL.Path == ScrapePath {
				next.ServeHTTP(rec, r)
				recordRequest(m, r, rec.statusCode, time.Since(start))
				return
			}

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			// The mux records the matched pattern on the request it is given.
			r = r.WithContext(ctx)
			next.ServeHTTP(rec, r)

			elapsed := time.Since(start)
			route := recordRequest(m, r, rec.statusCode, elapsed)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.statusCode),
			)
			Logger(ctx).LogAttrs(ctx, slog.LevelDebug, "http request",
				slog.String("route", route),
				slog.Int("status", rec.statusCode),
				slog.Duration("duration", elapsed),
			)
		})
	}
}

// recordRequest records one request and returns the route label it used.
func recordRequest(m *Metrics, r *http.Request, status int, elapsed time.Duration) string {
	route := r.Pattern
	if route == "" {
		route = unmatchedRoute
	}
	m.HTTPRequestDuration.Record(r.Context(), elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("route", route),
			attribute.Int("status", status),
		),
	)
	return route
}
