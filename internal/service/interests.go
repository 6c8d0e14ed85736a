package service

import (
	"context"
	"fmt"

	"github.com/baechuer/advert-service/internal/audit"
	"github.com/baechuer/advert-service/internal/domain"
)

// InterestAggregator builds location interest profiles and accepts tracker reports.
type InterestAggregator struct {
	repo  domain.InterestRepository
	audit *audit.Logger
}

func NewInterestAggregator(repo domain.InterestRepository, auditLog *audit.Logger) *InterestAggregator {
	if auditLog == nil {
		auditLog = audit.Nop()
	}
	return &InterestAggregator{repo: repo, audit: auditLog}
}

// InterestsAtLocation sums the weights reported by trackers currently registered at
// locationID. No trackers is a valid empty profile.
func (a *InterestAggregator) InterestsAtLocation(ctx context.Context, locationID int64) ([]domain.InterestWeight, error) {
	weights, err := a.repo.InterestWeightsAtLocation(ctx, locationID)
	if err != nil {
		return nil, err
	}
	return domain.RankInterests(weights), nil
}

// ReportInterests replaces the tracker's observations.
func (a *InterestAggregator) ReportInterests(ctx context.Context, trackerID string, obs []domain.InterestObservation) error {
	if err := ValidateObservations(obs); err != nil {
		return err
	}
	if err := a.repo.ReplaceTrackerInterests(ctx, trackerID, obs); err != nil {
		return err
	}
	a.audit.InterestsReported(ctx, trackerID, len(obs))
	return nil
}

// ValidateObservations rejects bad ids, non-finite or negative weights and
// duplicate interests.
func ValidateObservations(obs []domain.InterestObservation) error {
	seen := make(map[int64]struct{}, len(obs))
	for _, o := range obs {
		if o.InterestID <= 0 || !domain.ValidObservation(o) {
			return fmt.Errorf("%w: interest %d weight %v", domain.ErrInvalidObservation, o.InterestID, o.Weight)
		}
		if _, dup := seen[o.InterestID]; dup {
			return fmt.Errorf("%w: duplicate interest %d", domain.ErrInvalidObservation, o.InterestID)
		}
		seen[o.InterestID] = struct{}{}
	}
	return nil
}
