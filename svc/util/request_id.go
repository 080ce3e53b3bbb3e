package util

import (
	"context"
	"regexp"

	"github.com/google/uuid"
)

type contextKey string

const requestIDKey contextKey = "request_id"

var inboundIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok && id != "" {
		return id
	}
	return ""
}
func NewRequestID() string {
	return uuid.New().String()
}

// RequestIDFrom keeps a caller-supplied X-Request-ID when it looks sane, else mints one.
func RequestIDFrom(header string) string {
	if inboundIDPattern.MatchString(header) {
		return header
	}
	return NewRequestID()
}
