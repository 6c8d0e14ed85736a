package rest

import "context"

type ctxKeyAuth struct{}

// AuthContext is the verified caller. Absent when auth is disabled.
type AuthContext struct {
	DeviceID string
	Role     string
}

func withAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, ctxKeyAuth{}, a)
}

func GetAuth(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(ctxKeyAuth{}).(AuthContext)
	return a, ok
}
