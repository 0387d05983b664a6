package util

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// GetRequestID returns the request id from the context, minting one for
// callers running outside the middleware chain (workers, tests).
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func NewRequestID() string {
	return uuid.NewString()
}
