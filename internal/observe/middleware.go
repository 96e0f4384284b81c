package observe

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Request headers recognized by the middleware.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTenantID  = "X-Tenant-ID"
	HeaderUserID    = "X-User-ID"
)

// statusWriter captures the status code and response size for metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Flush passes streaming flushes through to the underlying writer so SSE
// keeps working behind the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		if w.status == 0 {
			w.status = http.StatusOK
		}
		f.Flush()
	}
}

// Middleware returns the request-scoped observability middleware: it
// extracts or generates the request ID, tags the context with tenant and
// user, opens a span, records counters and the latency histogram, and logs
// a request-completed line. The request ID is always echoed back.
func Middleware(surface string, logger *zap.Logger, metrics *Metrics) func(http.Handler) http.Handler {
	tracer := Tracer()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(HeaderRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}

			ctx := WithRequestID(r.Context(), requestID)
			if tenant := r.Header.Get(HeaderTenantID); tenant != "" {
				ctx = WithTenantID(ctx, tenant)
			}
			if user := r.Header.Get(HeaderUserID); user != "" {
				ctx = WithUserID(ctx, user)
			}

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.route", r.URL.Path),
					attribute.String("request.id", requestID),
				),
			)
			defer span.End()

			w.Header().Set(HeaderRequestID, requestID)

			sw := &statusWriter{ResponseWriter: w}
			next.ServeHTTP(sw, r.WithContext(ctx))

			if sw.status == 0 {
				sw.status = http.StatusOK
			}
			elapsed := time.Since(start)

			span.SetAttributes(attribute.Int("http.status_code", sw.status))

			metrics.RequestsTotal.WithLabelValues(surface, r.URL.Path, http.StatusText(sw.status)).Inc()
			metrics.RequestDuration.WithLabelValues(surface, r.URL.Path).Observe(elapsed.Seconds())
			if r.ContentLength > 0 {
				metrics.RequestSize.WithLabelValues(surface).Observe(float64(r.ContentLength))
			}
			metrics.ResponseSize.WithLabelValues(surface).Observe(float64(sw.bytes))

			LoggerFromContext(ctx, logger).Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.status),
				zap.Duration("latency", elapsed),
				zap.Int("response_bytes", sw.bytes),
			)
		})
	}
}
