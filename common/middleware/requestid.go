// Package middleware holds HTTP middleware for the admin surface.
package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/projector/common/logging"
)

// HeaderRequestID is the header carrying the request ID in both directions.
const HeaderRequestID = "X-Request-ID"

// RequestID is a middleware that generates or propagates request IDs for distributed tracing.
// It checks for an existing X-Request-ID header and generates a new UUID if not present.
// The request ID is added to the response header and stored in the request context,
// where logging.Logger.WithContext picks it up.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		w.Header().Set(HeaderRequestID, requestID)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), requestID)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// AccessLog logs one line per request at debug level, errors at warn.
func AccessLog(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			log := logger.WithContext(r.Context())
			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				logging.Duration(time.Since(start).Milliseconds()),
			}
			if rec.status >= http.StatusInternalServerError {
				log.Warn("request failed", args...)
				return
			}
			log.Debug("request", args...)
		})
	}
}
