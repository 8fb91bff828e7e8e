package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/frahmantamala/disbursement-core/internal"
)

const (
	redacted        = "[FILTERED]"
	maxLoggedBody   = 8 << 10
	truncatedMarker = "...[truncated]"
)

// sensitiveFields are matched as substrings of header and JSON field names.
// Recipient account and mobile numbers are beneficiary PII.
var sensitiveFields = []string{
	"password",
	"token",
	"authorization",
	"secret",
	"api_key",
	"credential",
	"signature",
	"account_number",
	"mobile_number",
}

func isSensitive(name string) bool {
	name = strings.ToLower(name)
	for _, field := range sensitiveFields {
		if strings.Contains(name, field) {
			return true
		}
	}
	return false
}

// LoggingMiddleware writes one line when a request arrives and one when it
// completes, both keyed by the correlation id.
func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			correlationID := internal.CorrelationIDFromContext(r.Context())

			var reqBody []byte
			if r.Body != nil && r.Body != http.NoBody {
				reqBody, _ = io.ReadAll(r.Body)
				r.Body = io.NopCloser(bytes.NewReader(reqBody))
			}

			logger.InfoContext(r.Context(), "incoming request",
				"correlation_id", correlationID,
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent(),
				"headers", redactHeaders(r.Header),
				"body", redactBody(reqBody),
			)

			rec := &recordingWriter{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.Log(r.Context(), level, "response",
				"correlation_id", correlationID,
				"method", r.Method,
				"path", r.URL.Path,
				"status_code", status,
				"duration_ms", time.Since(start).Milliseconds(),
				"response_size", rec.size,
				"body", redactBody(rec.body.Bytes()),
			)
		})
	}
}

// recordingWriter keeps the status and at most maxLoggedBody bytes of the
// response for the completion log line.
type recordingWriter struct {
	http.ResponseWriter
	status int
	size   int
	body   bytes.Buffer
}

func (rw *recordingWriter) WriteHeader(code int) {
	if rw.status == 0 {
		rw.status = code
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *recordingWriter) Write(b []byte) (int, error) {
	if room := maxLoggedBody - rw.body.Len(); room > 0 {
		if len(b) < room {
			room = len(b)
		}
		rw.body.Write(b[:room])
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func redactHeaders(headers http.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for name, values := range headers {
		if isSensitive(name) {
			out[name] = redacted
			continue
		}
		out[name] = strings.Join(values, ", ")
	}
	return out
}

// redactBody masks sensitive JSON fields at any depth. Bodies that are not
// JSON are only logged when they mention nothing sensitive.
func redactBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		if isSensitive(string(body)) {
			return "[FILTERED - Contains sensitive data]"
		}
		return truncate(string(body))
	}

	masked, err := json.Marshal(redactValue(doc))
	if err != nil {
		return "[ERROR - Failed to marshal filtered JSON]"
	}
	return truncate(string(masked))
}

func redactValue(v interface{}) interface{} {
	switch node := v.(type) {
	case map[string]interface{}:
		for key, child := range node {
			if isSensitive(key) {
				node[key] = redacted
				continue
			}
			node[key] = redactValue(child)
		}
		return node
	case []interface{}:
		for i, child := range node {
			node[i] = redactValue(child)
		}
		return node
	}
	return v
}

func truncate(s string) string {
	if len(s) <= maxLoggedBody {
		return s
	}
	return s[:maxLoggedBody] + truncatedMarker
}
