// HTTP middleware for the rpc surface.
//
// DESIGN: Middleware chain (applied in order):
//  1. panicRecovery: Catch panics, return 500, log stack trace
//  2. logging:       Request id propagation plus structured request logs
package rpc

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/pagelens/page-monitor/internal/monitoring"
)

// HeaderRequestID carries the request id across the wire.
const HeaderRequestID = "X-Request-ID"

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader captures the status code before writing it.
func (w *responseWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// logging assigns a request id and logs method, path, status, and duration.
func (s *Server) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set(HeaderRequestID, requestID)

		ctx := monitoring.WithRequestIDContext(r.Context(), requestID)
		r = r.WithContext(ctx)

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		log.Info().
			Str("id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// panicRecovery recovers from handler panics and returns a 500 error.
func (s *Server) panicRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				requestID := monitoring.RequestIDFromContext(r.Context())
				log.Error().Interface("panic", err).Str("stack", string(debug.Stack())).Msg("panic")
				s.alerts.FlagPanic("rpc:"+requestID, err)
				writeJSON(w, http.StatusInternalServerError, Response{Success: false, Error: "internal error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
