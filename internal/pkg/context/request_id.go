// Package context carries per-request identity that logs and outbox rows pick up.
package context

import "context"

type (
	requestIDKey struct{}
	deviceIDKey  struct{}
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// GetRequestID returns "" when ctx carries no id.
func GetRequestID(ctx context.Context) string {
	s, _ := ctx.Value(requestIDKey{}).(string)
	return s
}

// WithDeviceID records the authenticated device (display, receiver or tracker).
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, id)
}

func GetDeviceID(ctx context.Context) string {
	s, _ := ctx.Value(deviceIDKey{}).(string)
	return s
}
