package middleware

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"dailyvault/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	requestInfoKey  contextKey = "requestInfo"
	RequestIDHeader            = "X-Request-ID"
)

// requestInfo is filled in by inner handlers so the outermost logger can
// report it.
type requestInfo struct {
	userID string
}

func requestInfoFrom(ctx context.Context) *requestInfo {
	info, _ := ctx.Value(requestInfoKey).(*requestInfo)
	return info
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

func LoggerMiddleware(log *logrus.Entry) func(http.Handler) http.Handler {
	log = logger.OrDiscard(log).WithField("component", "http")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			w.Header().Set(RequestIDHeader, requestID)

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}
			info := &requestInfo{}
			next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))

			userID := info.userID
			if userID == "" {
				userID = "anonymous"
			}

			entry := log.WithFields(logger.Fields{
				"request_id":  requestID,
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"user_id":     userID,
			})
			switch {
			case rw.statusCode >= 500:
				entry.Error("request failed")
			case rw.statusCode >= 400:
				entry.Warn("request rejected")
			default:
				entry.Info("request served")
			}
		})
	}
}
