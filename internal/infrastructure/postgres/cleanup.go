package postgres

import (
	"context"
	"time"

	"github.com/baechuer/advert-service/internal/pkg/logger"
)

const (
	sentOutboxRetention = 7 * 24 * time.Hour
	inboxRetention      = 30 * 24 * time.Hour
	cleanupEvery        = time.Hour
)

// StartRetentionCleanup periodically trims published outbox rows and old inbox
// fences. Dead outbox rows are kept for inspection. Runs once on start.
func (r *Repository) StartRetentionCleanup(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "retention_cleanup").Logger()
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()

		r.cleanupOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanupOnce(ctx)
			}
		}
	}()
}

func (r *Repository) cleanupOnce(ctx context.Context) {
	log := logger.Logger.With().Str("component", "retention_cleanup").Logger()

	sent, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE status = 'sent' AND occurred_at < NOW() - make_interval(secs => $1)`,
		sentOutboxRetention.Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("outbox cleanup failed")
	} else if n := sent.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("sent outbox rows cleaned up")
	}

	inbox, err := r.pool.Exec(ctx,
		`DELETE FROM processed_messages WHERE processed_at < NOW() - make_interval(secs => $1)`,
		inboxRetention.Seconds())
	if err != nil {
		log.Warn().Err(err).Msg("processed_messages cleanup failed")
	} else if n := inbox.RowsAffected(); n > 0 {
		log.Info().Int64("deleted", n).Msg("processed messages cleaned up")
	}
}
