package service

import (
	"context"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultPlaysLimit = 50
	maxPlaysLimit     = 500
)

type PlaybackRecorder struct {
	repo domain.PlaybackRepository
	now  func() time.Time
}

func NewPlaybackRecorder(repo domain.PlaybackRepository) *PlaybackRecorder {
	return &PlaybackRecorder{repo: repo, now: time.Now}
}

// NewPlay stamps a play record for the candidate on displayID.
func (p *PlaybackRecorder) NewPlay(c domain.Candidate, displayID, credits int64) domain.PlayedVideo {
	return domain.PlayedVideo{
		ID:        uuid.New(),
		VideoID:   c.Video.ID,
		DisplayID: displayID,
		OrderID:   c.OrderID,
		Credits:   credits,
		PlayedAt:  p.now().UTC(),
	}
}

// Insert appends pv. Errors are returned as is so the caller can compensate.
func (p *PlaybackRecorder) Insert(ctx context.Context, pv domain.PlayedVideo) error {
	return p.repo.InsertPlayedVideo(ctx, pv)
}

// Recent lists plays on displayID, newest first.
func (p *PlaybackRecorder) Recent(ctx context.Context, displayID int64, limit int) ([]domain.PlayedVideo, error) {
	if limit <= 0 {
		limit = defaultPlaysLimit
	}
	if limit > maxPlaysLimit {
		limit = maxPlaysLimit
	}
	plays, err := p.repo.ListPlayedVideos(ctx, displayID, limit)
	if err != nil {
		return nil, err
	}
	if plays == nil {
		plays = []domain.PlayedVideo{}
	}
	return plays, nil
}
