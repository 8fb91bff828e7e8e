package middleware

import (
	"net/http"
	"strings"
)

// CORS allows the configured comma-separated origins, or any origin for "*".
// Requests from other origins pass through without CORS headers.
func CORS(allowedOrigins string) func(http.Handler) http.Handler {
	var allowed []string
	allowAll := false
	for _, o := range strings.Split(allowedOrigins, ",") {
		o = strings.TrimSuffix(strings.TrimSpace(o), "/")
		if o == "*" {
			allowAll = true
		}
		if o != "" {
			allowed = append(allowed, o)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}

			permitted := allowAll
			normalized := strings.TrimSuffix(origin, "/")
			for _, a := range allowed {
				if a == normalized {
					permitted = true
					break
				}
			}

			if permitted {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Add("Vary", "Origin")
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, X-Trace-ID, X-Correlation-ID")
				h.Set("Access-Control-Expose-Headers", "X-Trace-ID, X-Correlation-ID")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
