package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/kart-io/ingesthub/security"
)

type contextKey string

const securityContextKey contextKey = "securityContext"

// securityContextFrom retrieves the perimeter decision stored by the
// perimeter middleware.
func securityContextFrom(r *http.Request) *security.SecurityContext {
	sc, _ := r.Context().Value(securityContextKey).(*security.SecurityContext)
	return sc
}

// headersMiddleware applies the standard security headers.
func (s *Server) headersMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.security.Transport.ApplyHeaders(w)
		next(w, r)
	}
}

// loggingMiddleware logs every request with its final status.
func (s *Server) loggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next(wrapper, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapper.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote_addr", r.RemoteAddr,
		)
	}
}

// perimeterMiddleware runs the allowlist, authentication and rate-limit
// checks, attaches the SecurityContext and sets rate-limit headers.
func (s *Server) perimeterMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ip := clientIP(r)

		sc, ierr := s.security.Authorize(r.Context(), "http", ip, r.UserAgent(), apiKeyFrom(r), r.URL.Path)
		if ierr == nil && sc.APIKey != nil {
			ierr = s.security.Keys.Authorize(sc.APIKey, security.ScopeIngestWrite)
		}
		if ierr != nil {
			status := ierr.HTTPStatusCode()
			if status == http.StatusTooManyRequests {
				retryAfter := int(time.Until(sc.RateLimit.ResetTime).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", sc.RateLimit.ResetTime.Unix()))
			}
			s.metrics.RecordRejected("http", string(ierr.Code))
			s.security.AuditRequest(sc, r.URL.Path, r.Method, false, status, time.Since(start), r.ContentLength, ierr.Message)
			writeError(w, ierr, status)
			return
		}

		if sc.RateLimit.Remaining >= 0 {
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", sc.RateLimit.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", sc.RateLimit.ResetTime.Unix()))
		}

		ctx := context.WithValue(r.Context(), securityContextKey, sc)
		next(w, r.WithContext(ctx))
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}
	return rw.ResponseWriter.Write(b)
}
