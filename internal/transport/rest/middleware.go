package rest

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	appCtx "github.com/baechuer/advert-service/internal/pkg/context"
	"github.com/baechuer/advert-service/internal/pkg/logger"
	"github.com/baechuer/advert-service/internal/security"
)

func AuthMiddleware(verifier security.TokenVerifier) func(next http.Handler) http.Handler {
	if verifier == nil {
		panic("AuthMiddleware: nil verifier")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := strings.TrimSpace(r.Header.Get("Authorization"))
			scheme, raw, ok := strings.Cut(h, " ")
			if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
				return
			}

			claims, err := verifier.VerifyToken(strings.TrimSpace(raw))
			if err != nil {
				fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
				return
			}

			ctx := withAuth(r.Context(), AuthContext{
				DeviceID: claims.DeviceID,
				Role:     strings.TrimSpace(claims.Role),
			})
			ctx = appCtx.WithDeviceID(ctx, claims.DeviceID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole admits callers holding one of roles. Admin is always admitted.
// With auth disabled there is no AuthContext and every caller passes.
func RequireRole(roles ...string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, ok := GetAuth(r.Context())
			if !ok || auth.Role == security.RoleAdmin {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if auth.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			fail(w, r, http.StatusForbidden, "auth.forbidden", "forbidden", nil)
		})
	}
}

// RateLimitMiddleware applies a per-IP fixed window. A cache outage lets the
// request through.
func RateLimitMiddleware(cache domain.CacheRepository, limit int, window time.Duration) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := cache.AllowRequest(r.Context(), clientIP(r), limit, window)
			if err != nil {
				logger.WithCtx(r.Context()).Warn().Err(err).Msg("rate limiter unavailable")
			}
			if !allowed {
				fail(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP uses RemoteAddr only; X-Forwarded-For is ignored.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}

func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-site")

		next.ServeHTTP(w, r)
	})
}
