package service

import (
	"context"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
)

type EligibilityResolver struct {
	catalog domain.CatalogRepository
	now     func() time.Time
}

func NewEligibilityResolver(catalog domain.CatalogRepository) *EligibilityResolver {
	return &EligibilityResolver{catalog: catalog, now: time.Now}
}

// FindEligible returns funded videos matching any ranked interest, best match first.
// An empty profile returns every funded video ordered by video id.
func (r *EligibilityResolver) FindEligible(ctx context.Context, ranked []domain.InterestWeight) ([]domain.Candidate, error) {
	var ids []int64
	if len(ranked) > 0 {
		ids = make([]int64, 0, len(ranked))
		for _, iw := range ranked {
			ids = append(ids, iw.InterestID)
		}
	}

	videos, err := r.catalog.FundedVideos(ctx, ids, r.now())
	if err != nil {
		return nil, err
	}
	return domain.RankCandidates(ranked, videos), nil
}
