// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-qkd.
//
// go-qkd is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package rest

import (
	"net/http"
	"time"

	"github.com/jeremyhahn/go-qkd/pkg/auth"
	"github.com/jeremyhahn/go-qkd/pkg/correlation"
	"github.com/jeremyhahn/go-qkd/pkg/logger"
)

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
		rw.ResponseWriter.WriteHeader(code)
	}
}

// Write ensures WriteHeader is called.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs HTTP requests with the correlation ID.
func (s *Server) LoggingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			s.logger.DebugContext(r.Context(), "Request started",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path))

			next.ServeHTTP(wrapped, r)

			s.logger.InfoContext(r.Context(), "Request completed",
				logger.String("method", r.Method),
				logger.String("path", r.URL.Path),
				logger.Int("status", wrapped.statusCode),
				logger.Duration("duration", time.Since(start)))
		})
	}
}

// RecoveryMiddleware recovers from panics and returns a 500 error.
func (s *Server) RecoveryMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					s.logger.ErrorContext(r.Context(), "Panic recovered",
						logger.String("method", r.Method),
						logger.String("path", r.URL.Path),
						logger.Any("error", err))
					writeErrorWithMessage(w, ErrInternalError, "An unexpected error occurred", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// CorrelationMiddleware takes the correlation ID from X-Correlation-ID or
// X-Request-ID, or generates one, stores it in the request context and
// echoes it in the response headers.
func (s *Server) CorrelationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := correlation.FromHeader(r.Header)
			if id == "" {
				id = correlation.NewID()
			}
			r = r.WithContext(correlation.WithCorrelationID(r.Context(), id))
			w.Header().Set(correlation.CorrelationIDHeader, id)
			next.ServeHTTP(w, r)
		})
	}
}

// AuthenticationMiddleware authenticates API requests and stores the
// identity in the request context.
func (s *Server) AuthenticationMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := s.authenticator.Authenticate(r)
			if err != nil {
				s.logger.WarnContext(r.Context(), "Authentication failed",
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path),
					logger.String("remote_addr", r.RemoteAddr),
					logger.String("authenticator", s.authenticator.Name()),
					logger.Error(err))
				writeErrorWithMessage(w, ErrUnauthorized, "Authentication failed", http.StatusUnauthorized)
				return
			}

			r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			s.logger.DebugContext(r.Context(), "Request authenticated",
				logger.String("subject", identity.Subject))

			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests whose identity lacks role.
func (s *Server) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := auth.GetIdentity(r.Context())
			if identity == nil {
				writeErrorWithMessage(w, ErrUnauthorized, "Authentication required", http.StatusUnauthorized)
				return
			}
			if !identity.HasRole(role) {
				s.logger.WarnContext(r.Context(), "Access denied",
					logger.String("subject", identity.Subject),
					logger.String("role", role),
					logger.String("method", r.Method),
					logger.String("path", r.URL.Path))
				writeErrorWithMessage(w, ErrForbidden, "Access denied: requires role "+role, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
