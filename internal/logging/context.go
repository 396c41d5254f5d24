package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/rs/zerolog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceID returns the trace ID stored by WithTraceContext, if any
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it.
// An existing inbound ID is kept.
func WithTraceContext(ctx context.Context, traceID string) (context.Context, zerolog.Logger) {
	if traceID == "" {
		traceID = GenerateTraceID()
	}
	l := FromContext(ctx).With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// DeviceContext tags a logger with device identity
func DeviceContext(l zerolog.Logger, deviceToken, googleID string) zerolog.Logger {
	short := deviceToken
	if len(short) > 8 {
		short = short[:8]
	}
	return l.With().Str("device", short).Str("owner", googleID).Logger()
}

// LicenseContext tags a logger with a license owner and masked key
func LicenseContext(l zerolog.Logger, email, licenseKey string) zerolog.Logger {
	return l.With().Str("email", email).Str("license_key", MaskKey(licenseKey)).Logger()
}
