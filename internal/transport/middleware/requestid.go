package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/frahmantamala/disbursement-core/internal"
	"github.com/frahmantamala/disbursement-core/pkg/logger"
)

const (
	TraceIDHeader       = "X-Trace-ID"
	CorrelationIDHeader = "X-Correlation-ID"
)

// RequestID tags the request with a trace id and a correlation id. The
// correlation id follows the request into every audit entry it produces and
// defaults to the trace id when the caller sends none.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceIDHeader)
		if traceID == "" {
			traceID = uuid.NewString()
		}
		correlationID := r.Header.Get(CorrelationIDHeader)
		if correlationID == "" {
			correlationID = traceID
		}

		ctx := internal.ContextWithCorrelationID(r.Context(), correlationID)
		ctx = logger.With(ctx, "trace_id", traceID, "correlation_id", correlationID)

		w.Header().Set(TraceIDHeader, traceID)
		w.Header().Set(CorrelationIDHeader, correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
