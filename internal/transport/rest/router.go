package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/metrics"
	"github.com/baechuer/advert-service/internal/security"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterDeps struct {
	Cache   domain.CacheRepository
	Handler *Handler

	// Nil Verifier disables auth (dev only).
	Verifier security.TokenVerifier

	RateLimit       bool
	RateLimitLimit  int
	RateLimitWindow time.Duration

	// Health reports backing store readiness for /readyz.
	Health func(ctx context.Context) error
}

func NewRouter(d RouterDeps) http.Handler {
	if d.Handler == nil {
		panic("rest.NewRouter: nil handler")
	}
	if d.RateLimit && d.Cache == nil {
		panic("rest.NewRouter: rate limit needs a cache")
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if d.RateLimit {
		r.Use(RateLimitMiddleware(d.Cache, d.RateLimitLimit, d.RateLimitWindow))
	}
	r.Use(SecurityHeaders)

	r.Get("/", d.Handler.Version)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if d.Health != nil {
			if err := d.Health(r.Context()); err != nil {
				fail(w, r, http.StatusServiceUnavailable, "storage.unavailable", "not ready", nil)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if d.Verifier != nil {
			r.Use(AuthMiddleware(d.Verifier))
		}

		// pairing
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(security.RoleReceiver))
			r.Post("/receivers/{receiverID}/trackers/{trackerID}", d.Handler.Register)
			r.Delete("/receivers/{receiverID}/trackers/{trackerID}", d.Handler.Unregister)
			r.Post("/register/{receiverID}/{trackerID}", d.Handler.Register)
			r.Post("/unregister/{receiverID}/{trackerID}", d.Handler.Unregister)
			r.Post("/register", d.Handler.RegisterJSON)
			r.Post("/unregister", d.Handler.UnregisterJSON)
		})

		r.With(RequireRole(security.RoleTracker, security.RoleReceiver)).
			Put("/trackers/{trackerID}/interests", d.Handler.ReportInterests)

		r.With(RequireRole(security.RoleDisplay)).
			Post("/displays/{displayID}/content", d.Handler.RequestContent)

		// reads
		r.Get("/receivers/{receiverID}/trackers", d.Handler.ReceiverTrackers)
		r.Get("/trackers/{trackerID}", d.Handler.Tracker)
		r.Get("/locations/{locationID}/interests", d.Handler.LocationInterests)
		r.Get("/displays/{displayID}/plays", d.Handler.DisplayPlays)

		r.Group(func(r chi.Router) {
			r.Use(RequireRole())
			r.Get("/orders/{orderID}", d.Handler.Order)
			r.Get("/agencies/{orgNr}", d.Handler.Agency)
		})

		r.Post("/logs", d.Handler.DeviceLog)
	})

	return r
}
