package postgres

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/baechuer/advert-service/internal/contracts/event"
	"github.com/baechuer/advert-service/internal/metrics"
	"github.com/baechuer/advert-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	outboxBatchSize   = 20
	outboxMaxAttempts = 12
	outboxPoll        = 500 * time.Millisecond
	outboxInFlight    = 15 * time.Second
	confirmWait       = 600 * time.Millisecond
)

type outboxMsg struct {
	ID         uuid.UUID
	MessageID  uuid.UUID
	TraceID    string
	RoutingKey string
	Payload    []byte
	Attempt    int
}

// computeNextRetry: 2^attempt seconds clamped to [5s, 30m], +/-10% jitter.
func computeNextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	sec := math.Min(math.Max(math.Pow(2, float64(attempt)), 5), 1800)
	d := time.Duration(sec) * time.Second
	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}

// publisher is the slice of *amqp.Channel the worker needs.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// StartOutboxWorker publishes pending outbox rows until ctx is done.
func (r *Repository) StartOutboxWorker(ctx context.Context, rabbitURL, exchange string) {
	go func() {
		log := logger.Logger.With().Str("component", "outbox_worker").Logger()

		conn, err := amqp.Dial(rabbitURL)
		if err != nil {
			log.Error().Err(err).Msg("failed to connect rabbitmq for outbox publishing")
			return
		}
		defer conn.Close()

		ch, err := conn.Channel()
		if err != nil {
			log.Error().Err(err).Msg("failed to open rabbitmq channel for outbox publishing")
			return
		}
		defer ch.Close()

		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			log.Error().Err(err).Str("exchange", exchange).Msg("exchange declare failed")
			return
		}
		if err := ch.Confirm(false); err != nil {
			log.Error().Err(err).Msg("publisher confirm enable failed")
			return
		}
		confirmCh := ch.NotifyPublish(make(chan amqp.Confirmation, 100))
		returnCh := ch.NotifyReturn(make(chan amqp.Return, 100))

		ticker := time.NewTicker(outboxPoll)
		defer ticker.Stop()

		var lastErr string
		var lastAt time.Time
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				msgs, err := r.claimOutbox(ctx)
				if err == nil {
					for _, m := range msgs {
						r.publishOne(ctx, ch, exchange, m, confirmCh, returnCh)
					}
					lastErr = ""
					continue
				}
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					log.Warn().Err(err).Msg("outbox batch failed")
					lastErr, lastAt = err.Error(), time.Now()
				}
			}
		}
	}()
}

// claimOutbox picks due rows with SKIP LOCKED and pushes next_retry_at forward
// so other workers leave them alone while the publish is in flight.
func (r *Repository) claimOutbox(ctx context.Context) ([]outboxMsg, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, trace_id, routing_key, payload, attempt
		FROM outbox
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, outboxBatchSize)
	if err != nil {
		return nil, err
	}

	var msgs []outboxMsg
	for rows.Next() {
		var m outboxMsg
		if err := rows.Scan(&m.ID, &m.MessageID, &m.TraceID, &m.RoutingKey, &m.Payload, &m.Attempt); err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]uuid.UUID, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE outbox SET next_retry_at = $2 WHERE id = ANY($1)`,
		ids, time.Now().Add(outboxInFlight),
	); err != nil {
		return nil, err
	}
	return msgs, tx.Commit(ctx)
}

func (r *Repository) publishOne(
	ctx context.Context,
	ch publisher,
	exchange string,
	m outboxMsg,
	confirmCh <-chan amqp.Confirmation,
	returnCh <-chan amqp.Return,
) {
	// Drain stale notifications from a previous timeout.
drain:
	for {
		select {
		case <-returnCh:
		case <-confirmCh:
		default:
			break drain
		}
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		Body:          m.Payload,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     m.MessageID.String(),
		CorrelationId: m.TraceID,
		AppId:         event.Producer,
	}
	if err := ch.PublishWithContext(ctx, exchange, m.RoutingKey, true, false, pub); err != nil {
		r.failOutbox(ctx, m, fmt.Sprintf("publish error: %v", err))
		return
	}

	// A mandatory return arrives before the confirm.
	deadline := time.After(confirmWait)
	for {
		select {
		case ret := <-returnCh:
			r.failOutbox(ctx, m, fmt.Sprintf("NO_ROUTE: code=%d text=%s exchange=%s rk=%s",
				ret.ReplyCode, ret.ReplyText, ret.Exchange, ret.RoutingKey))
			return
		case c := <-confirmCh:
			if !c.Ack {
				r.failOutbox(ctx, m, fmt.Sprintf("NACK: delivery_tag=%d", c.DeliveryTag))
				return
			}
			r.markSent(ctx, m)
			return
		case <-deadline:
			r.failOutbox(ctx, m, "confirm/return timeout")
			return
		}
	}
}

func (r *Repository) markSent(ctx context.Context, m outboxMsg) {
	_, _ = r.pool.Exec(ctx, `UPDATE outbox SET status = 'sent', last_error = NULL WHERE id = $1`, m.ID)
	metrics.RecordOutbox(m.RoutingKey, "sent")
	r.audit.OutboxMessageSent(ctx, m.MessageID.String(), m.RoutingKey)
}

func (r *Repository) failOutbox(ctx context.Context, m outboxMsg, errMsg string) {
	log := logger.Logger.With().
		Str("component", "outbox_worker").
		Str("outbox_id", m.ID.String()).
		Str("message_id", m.MessageID.String()).
		Str("routing_key", m.RoutingKey).
		Logger()

	next := m.Attempt + 1
	if next >= outboxMaxAttempts {
		_, _ = r.pool.Exec(ctx, `
			UPDATE outbox SET status = 'dead', attempt = $2, last_error = $3 WHERE id = $1
		`, m.ID, next, errMsg)
		metrics.RecordOutbox(m.RoutingKey, "dead")
		r.audit.OutboxMessageDead(ctx, m.MessageID.String(), m.RoutingKey, next)
		log.Error().Int("attempt", next).Str("last_error", errMsg).Msg("outbox moved to DEAD")
		return
	}

	delay := computeNextRetry(next)
	_, _ = r.pool.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2, next_retry_at = NOW() + make_interval(secs => $3), last_error = $4
		WHERE id = $1
	`, m.ID, next, delay.Seconds(), errMsg)
	metrics.RecordOutbox(m.RoutingKey, "retry")
	log.Warn().Int("attempt", next).Dur("retry_in", delay).Str("last_error", errMsg).Msg("outbox publish failed; scheduled retry")
}
