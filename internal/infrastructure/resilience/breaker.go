// Package resilience guards storage reads with a circuit breaker so a failing
// database sheds load instead of stacking timeouts. Writes are not guarded.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/metrics"
	"github.com/baechuer/advert-service/internal/pkg/logger"
	gobreaker "github.com/sony/gobreaker/v2"
)

type Settings struct {
	Name             string
	FailureThreshold uint32
	Timeout          time.Duration
	MaxRequests      uint32
}

type Breaker struct {
	cb *gobreaker.CircuitBreaker[any]
}

func NewBreaker(s Settings) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = 5
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = 1
	}
	if s.Name == "" {
		s.Name = "storage"
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerState(name, to.String())
			logger.Logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return &Breaker{cb: cb}
}

func (b *Breaker) State() string { return b.cb.State().String() }

// isSuccessful: answers from a healthy store never trip the breaker.
func isSuccessful(err error) bool {
	return err == nil ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrInsufficientCredit) ||
		errors.Is(err, domain.ErrInvalidObservation) ||
		errors.Is(err, context.Canceled)
}

func run[T any](b *Breaker, op string, fn func() (T, error)) (T, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		var zero T
		return zero, domain.Unavailable(op, err)
	}
	v, _ := out.(T)
	return v, err
}

// -------------------------
// Devices
// -------------------------

type devices struct {
	domain.DeviceRepository
	b *Breaker
}

func Devices(repo domain.DeviceRepository, b *Breaker) domain.DeviceRepository {
	return &devices{DeviceRepository: repo, b: b}
}

func (d *devices) GetTracker(ctx context.Context, id string) (domain.Tracker, error) {
	return run(d.b, "get_tracker", func() (domain.Tracker, error) { return d.DeviceRepository.GetTracker(ctx, id) })
}

func (d *devices) GetReceiver(ctx context.Context, id string) (domain.Receiver, error) {
	return run(d.b, "get_receiver", func() (domain.Receiver, error) { return d.DeviceRepository.GetReceiver(ctx, id) })
}

func (d *devices) GetDisplay(ctx context.Context, id int64) (domain.Display, error) {
	return run(d.b, "get_display", func() (domain.Display, error) { return d.DeviceRepository.GetDisplay(ctx, id) })
}

func (d *devices) ListTrackersByReceiver(ctx context.Context, receiverID string) ([]domain.Tracker, error) {
	return run(d.b, "list_trackers", func() ([]domain.Tracker, error) {
		return d.DeviceRepository.ListTrackersByReceiver(ctx, receiverID)
	})
}

// -------------------------
// Interests
// -------------------------

type interests struct {
	domain.InterestRepository
	b *Breaker
}

func Interests(repo domain.InterestRepository, b *Breaker) domain.InterestRepository {
	return &interests{InterestRepository: repo, b: b}
}

func (i *interests) InterestWeightsAtLocation(ctx context.Context, locationID int64) ([]domain.InterestWeight, error) {
	return run(i.b, "interest_weights", func() ([]domain.InterestWeight, error) {
		return i.InterestRepository.InterestWeightsAtLocation(ctx, locationID)
	})
}

// -------------------------
// Catalog
// -------------------------

type catalog struct {
	domain.CatalogRepository
	b *Breaker
}

func Catalog(repo domain.CatalogRepository, b *Breaker) domain.CatalogRepository {
	return &catalog{CatalogRepository: repo, b: b}
}

func (c *catalog) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	return run(c.b, "get_order", func() (domain.Order, error) { return c.CatalogRepository.GetOrder(ctx, id) })
}

func (c *catalog) GetAdvertVideo(ctx context.Context, id int64) (domain.AdvertVideo, error) {
	return run(c.b, "get_video", func() (domain.AdvertVideo, error) { return c.CatalogRepository.GetAdvertVideo(ctx, id) })
}

func (c *catalog) GetAgency(ctx context.Context, orgNr string) (domain.Agency, error) {
	return run(c.b, "get_agency", func() (domain.Agency, error) { return c.CatalogRepository.GetAgency(ctx, orgNr) })
}

func (c *catalog) FundedVideos(ctx context.Context, ids []int64, at time.Time) ([]domain.FundedVideo, error) {
	return run(c.b, "funded_videos", func() ([]domain.FundedVideo, error) {
		return c.CatalogRepository.FundedVideos(ctx, ids, at)
	})
}
