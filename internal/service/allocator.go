package service

import (
	"context"
	"errors"
	"time"

	"github.com/baechuer/advert-service/internal/audit"
	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/metrics"
	"github.com/baechuer/advert-service/internal/pkg/logger"
)

// Allocator answers a display's content request: profile, candidates, then the
// first candidate whose order can pay is charged and recorded.
type Allocator struct {
	devices     domain.DeviceRepository
	cache       domain.CacheRepository
	interests   *InterestAggregator
	eligibility *EligibilityResolver
	ledger      *CreditLedger
	recorder    *PlaybackRecorder

	committer   domain.PlaybackCommitter
	media       domain.MediaResolver
	audit       *audit.Logger
	defaultCost int64
}

type AllocatorOption func(*Allocator)

// WithCommitter charges and records in one storage transaction instead of the
// draw/insert/refund sequence.
func WithCommitter(c domain.PlaybackCommitter) AllocatorOption {
	return func(a *Allocator) { a.committer = c }
}

func WithCache(c domain.CacheRepository) AllocatorOption {
	return func(a *Allocator) { a.cache = c }
}

func WithMediaResolver(m domain.MediaResolver) AllocatorOption {
	return func(a *Allocator) { a.media = m }
}

func WithAudit(l *audit.Logger) AllocatorOption {
	return func(a *Allocator) { a.audit = l }
}

func WithDefaultCost(n int64) AllocatorOption {
	return func(a *Allocator) { a.defaultCost = n }
}

func NewAllocator(
	devices domain.DeviceRepository,
	interests *InterestAggregator,
	eligibility *EligibilityResolver,
	ledger *CreditLedger,
	recorder *PlaybackRecorder,
	opts ...AllocatorOption,
) *Allocator {
	a := &Allocator{
		devices:     devices,
		interests:   interests,
		eligibility: eligibility,
		ledger:      ledger,
		recorder:    recorder,
		audit:       audit.Nop(),
		defaultCost: domain.DefaultCostPerPlay,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// RequestContent picks, charges and records one video for displayID. Running out
// of candidates is an AllocationNoContent outcome, not an error.
func (a *Allocator) RequestContent(ctx context.Context, displayID int64) (domain.Allocation, error) {
	start := time.Now()
	out, err := a.requestContent(ctx, displayID)
	status := string(out.Status)
	if err != nil {
		status = "error"
	}
	metrics.RecordAllocation(status, time.Since(start))
	return out, err
}

func (a *Allocator) requestContent(ctx context.Context, displayID int64) (domain.Allocation, error) {
	display, err := a.display(ctx, displayID)
	if err != nil {
		return domain.Allocation{}, err
	}

	ranked, err := a.interests.InterestsAtLocation(ctx, display.LocationID)
	if err != nil {
		return domain.Allocation{}, err
	}
	candidates, err := a.eligibility.FindEligible(ctx, ranked)
	if err != nil {
		return domain.Allocation{}, err
	}

	log := logger.WithCtx(ctx)
	for i := range candidates {
		c := candidates[i]
		if !domain.Presentable(c.Video, display) {
			metrics.RecordCandidateSkip("not_presentable")
			continue
		}
		// Nothing is mutated yet, an abandoned request can stop here.
		if err := ctx.Err(); err != nil {
			return domain.Allocation{}, err
		}

		cost := domain.CostOrDefault(c.CostPerPlay, a.defaultCost)
		pv := a.recorder.NewPlay(c, display.ID, cost)

		balance, err := a.charge(ctx, pv)
		if errors.Is(err, domain.ErrInsufficientCredit) {
			metrics.RecordCandidateSkip("insufficient_credit")
			log.Debug().Str("order_id", c.OrderID).Int64("video_id", c.Video.ID).Msg("candidate skipped: insufficient credit")
			continue
		}
		if err != nil {
			return domain.Allocation{}, err
		}

		metrics.RecordCreditsDrawn(cost)
		a.audit.PlaybackRecorded(ctx, pv, balance)
		if balance == 0 {
			a.audit.OrderExhausted(ctx, pv.OrderID)
		}

		return domain.Allocation{
			Status:    domain.AllocationPlayed,
			DisplayID: display.ID,
			Candidate: &c,
			Play:      &pv,
			Balance:   balance,
			MediaURL:  a.mediaURL(ctx, c.Video.URL),
		}, nil
	}

	log.Info().Int64("display_id", display.ID).Int("candidates", len(candidates)).Msg("no content available")
	return domain.Allocation{Status: domain.AllocationNoContent, DisplayID: display.ID}, nil
}

// charge draws pv.Credits from pv.OrderID and records pv as one unit.
func (a *Allocator) charge(ctx context.Context, pv domain.PlayedVideo) (int64, error) {
	if a.committer != nil {
		return a.committer.DrawAndRecord(ctx, pv.Credits, pv)
	}

	balance, err := a.ledger.Draw(ctx, pv.OrderID, pv.Credits)
	if err != nil {
		return 0, err
	}

	// The draw happened: finish or compensate regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	recordErr := a.recorder.Insert(ctx, pv)
	if recordErr == nil {
		return balance, nil
	}

	if _, refundErr := a.ledger.Refund(ctx, pv.OrderID, pv.Credits); refundErr != nil {
		rec := &domain.ReconciliationError{
			OrderID:   pv.OrderID,
			Amount:    pv.Credits,
			RecordErr: recordErr,
			RefundErr: refundErr,
		}
		metrics.RecordReconciliation()
		a.audit.ReconciliationRequired(ctx, rec)
		return 0, rec
	}
	a.audit.CreditsRefunded(ctx, pv.OrderID, pv.Credits, recordErr)
	return 0, recordErr
}

// display reads through the cache. Cache faults are logged and ignored.
func (a *Allocator) display(ctx context.Context, displayID int64) (domain.Display, error) {
	if a.cache != nil {
		d, err := a.cache.GetDisplay(ctx, displayID)
		if err == nil {
			return d, nil
		}
		if !errors.Is(err, domain.ErrCacheMiss) {
			logger.WithCtx(ctx).Warn().Err(err).Int64("display_id", displayID).Msg("display cache read failed")
		}
	}

	d, err := a.devices.GetDisplay(ctx, displayID)
	if err != nil {
		return domain.Display{}, err
	}
	if a.cache != nil {
		if err := a.cache.SetDisplay(ctx, d); err != nil {
			logger.WithCtx(ctx).Warn().Err(err).Int64("display_id", displayID).Msg("display cache write failed")
		}
	}
	return d, nil
}

// mediaURL resolves ref for the display. The play is already billed, so a
// resolver fault falls back to the stored reference.
func (a *Allocator) mediaURL(ctx context.Context, ref string) string {
	if a.media == nil || ref == "" {
		return ref
	}
	u, err := a.media.ResolveURL(ctx, ref)
	if err != nil {
		logger.WithCtx(ctx).Warn().Err(err).Str("ref", ref).Msg("media url resolve failed")
		return ref
	}
	return u
}
