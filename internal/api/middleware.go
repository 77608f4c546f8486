package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/auth"
	"telemetry-hub/internal/logging"
)

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		s.logger.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   getClientIP(r),
			"user_agent":  r.UserAgent(),
		}).Info("HTTP request")
	})
}

// recoveryMiddleware recovers from panics and returns 500 error
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.WithFields(logrus.Fields{
					"error":    err,
					"stack":    string(debug.Stack()),
					"path":     r.URL.Path,
					"category": "service",
				}).Error("Panic recovered in HTTP handler")

				writeError(w, s.logger, "internal error, retry later", http.StatusInternalServerError)
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// authenticationMiddleware verifies the operator bearer token and stores its
// claims in the request context. Browsers cannot set headers on a WebSocket
// upgrade, so a token query parameter is accepted as well.
func (s *Server) authenticationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.config.Auth.Enabled {
			next.ServeHTTP(w, r)
			return
		}

		tokenString := ""
		if authz := r.Header.Get("Authorization"); strings.HasPrefix(authz, "Bearer ") {
			tokenString = strings.TrimPrefix(authz, "Bearer ")
		} else if websocketUpgrade(r) {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			s.logSecurityEvent("auth_missing", r)
			writeError(w, s.logger, "authentication required", http.StatusUnauthorized)
			return
		}

		claims, err := s.jwt.Verify(tokenString)
		if err != nil {
			logging.LogSecurityError(s.logger, err, getClientIP(r), r.Method+" "+r.URL.Path)
			writeError(w, s.logger, "authentication required", http.StatusUnauthorized)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"subject":   claims.Subject,
			"role":      claims.Role,
			"tenant_id": claims.TenantID,
			"path":      r.URL.Path,
		}).Debug("Authentication successful")

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

func websocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// logSecurityEvent logs security-related events
func (s *Server) logSecurityEvent(event string, r *http.Request) {
	s.logger.WithFields(logrus.Fields{
		"event":      event,
		"client_ip":  getClientIP(r),
		"path":       r.URL.Path,
		"method":     r.Method,
		"user_agent": r.UserAgent(),
	}).Warn("Security event")
}

// getClientIP extracts the client IP address from the request
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx != -1 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if idx := strings.LastIndex(r.RemoteAddr, ":"); idx != -1 {
		return r.RemoteAddr[:idx]
	}
	return r.RemoteAddr
}

// writeJSONResponse writes a JSON response with the given status code
func writeJSONResponse(w http.ResponseWriter, logger *logrus.Logger, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// writeError writes the coarse {error} body
func writeError(w http.ResponseWriter, logger *logrus.Logger, message string, statusCode int) {
	writeJSONResponse(w, logger, ErrorResponse{Error: message}, statusCode)
}
