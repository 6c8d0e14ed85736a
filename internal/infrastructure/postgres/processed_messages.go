package postgres

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
)

func markProcessed(ctx context.Context, q dbtx, messageID, handlerName string) (bool, error) {
	if handlerName == "" {
		handlerName = "unknown"
	}
	tag, err := q.Exec(ctx, `
		INSERT INTO processed_messages (message_id, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, messageID, handlerName)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// TryMarkProcessed records (messageID, handlerName) and reports whether this is
// the first delivery. An empty messageID cannot be deduplicated and counts as first.
func (r *Repository) TryMarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return true, nil
	}
	return markProcessed(ctx, r.pool, messageID, strings.TrimSpace(handlerName))
}

// IsProcessed reports whether (messageID, handlerName) is already fenced.
func (r *Repository) IsProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return false, nil
	}
	handlerName = strings.TrimSpace(handlerName)
	if handlerName == "" {
		handlerName = "unknown"
	}
	var seen bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM processed_messages
			WHERE message_id = $1 AND handler_name = $2
		)
	`, messageID, handlerName).Scan(&seen)
	if err != nil {
		return false, storeErr("is processed", err)
	}
	return seen, nil
}

// ProcessOnce runs fn in a transaction guarded by the processed_messages fence.
// A duplicate skips fn and returns processed=false. If fn fails the marker rolls
// back with it, so the message can be redelivered.
func (r *Repository) ProcessOnce(
	ctx context.Context,
	messageID, handlerName string,
	fn func(tx pgx.Tx) error,
) (processed bool, err error) {
	messageID = strings.TrimSpace(messageID)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, storeErr("process once", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if messageID != "" {
		first, err := markProcessed(ctx, tx, messageID, strings.TrimSpace(handlerName))
		if err != nil {
			return false, storeErr("process once", err)
		}
		if !first {
			return false, nil
		}
	}

	if err := fn(tx); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, storeErr("process once commit", err)
	}
	return true, nil
}
