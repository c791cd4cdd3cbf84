// Package shield provides the HTTP middleware flmw puts in front of the
// reverse proxy: request tracing with a per-request structured logger and
// panic recovery.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultProxyStack() {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const (
	// LoggerKey is the context key for the per-request structured logger.
	LoggerKey contextKey = "shield_logger"

	// TraceIDKey is the context key for the request trace ID.
	TraceIDKey contextKey = "shield_trace_id"
)

// DefaultProxyStack returns the middleware stack for the proxy listener.
// Security headers are deliberately absent: proxied responses keep the
// upstream's headers.
func DefaultProxyStack() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		middleware.RealIP,
		TraceID,
		middleware.Recoverer,
	}
}

// GetTraceID returns the trace ID stored by TraceID, or "".
func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
