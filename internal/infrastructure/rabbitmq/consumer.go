package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/baechuer/advert-service/internal/contracts/event"
	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/metrics"
	appCtx "github.com/baechuer/advert-service/internal/pkg/context"
	"github.com/baechuer/advert-service/internal/pkg/logger"
	"github.com/baechuer/advert-service/internal/service"
	"github.com/jackc/pgx/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1
	queueName        = "advert-service.tracker-interests"
	handlerName      = "tracker_interests"
)

// InterestReporter applies a tracker report without a shared transaction.
type InterestReporter interface {
	ReportInterests(ctx context.Context, trackerID string, obs []domain.InterestObservation) error
}

// Consumer applies tracker.interests.reported messages.
type Consumer struct {
	rabbitURL string
	exchange  string
	store     any
	reporter  InterestReporter
}

// NewConsumer takes the store for the transactional path and reporter for the
// fallback path.
func NewConsumer(rabbitURL, exchange string, store any, reporter InterestReporter) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		store:     store,
		reporter:  reporter,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return err
	}
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return err
	}
	if err := ch.QueueBind(q.Name, event.RKTrackerInterestsReported, c.exchange, false, nil); err != nil {
		closeAll()
		return err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		closeAll()
		return err
	}
	deliveries, err := ch.Consume(q.Name, event.Producer, false, false, false, false, nil)
	if err != nil {
		closeAll()
		return err
	}

	go func() {
		defer closeAll()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("delivery channel closed")
					return
				}
				if err := c.handle(ctx, d.RoutingKey, d.MessageId, d.Body); err != nil {
					metrics.RecordConsumed(d.RoutingKey, "requeued")
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

// handle returns an error only for transient faults. Poison messages are logged
// and dropped.
func (c *Consumer) handle(ctx context.Context, routingKey, amqpMessageID string, body []byte) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", routingKey).
		Logger()

	if routingKey != event.RKTrackerInterestsReported {
		baseLog.Warn().Msg("unknown routing key; ignoring")
		return nil
	}

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		metrics.RecordConsumed(routingKey, "rejected")
		return nil
	}
	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		metrics.RecordConsumed(routingKey, "rejected")
		return nil
	}

	msgID := messageID(env.MessageID, amqpMessageID, routingKey, body)
	traceID := strings.TrimSpace(env.TraceID)
	log := baseLog.With().Str("message_id", msgID).Str("trace_id", traceID).Logger()
	if traceID != "" {
		ctx = appCtx.WithRequestID(ctx, traceID)
	}

	trackerID, obs, ok := decodeInterests(env.Payload, log)
	if !ok {
		metrics.RecordConsumed(routingKey, "rejected")
		return nil
	}

	processed, err := c.apply(ctx, msgID, trackerID, obs)
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrInvalidObservation):
		log.Warn().Err(err).Msg("report rejected; dropping")
		metrics.RecordConsumed(routingKey, "rejected")
		return nil
	case err != nil:
		log.Error().Err(err).Msg("processing failed (requeue)")
		return err
	case !processed:
		log.Info().Msg("duplicate delivery ignored")
		metrics.RecordConsumed(routingKey, "duplicate")
		return nil
	}
	metrics.RecordConsumed(routingKey, "ok")
	return nil
}

// messageID prefers the envelope id, then the AMQP id, else a body hash.
func messageID(envelopeID, amqpID, routingKey string, body []byte) string {
	if id := strings.TrimSpace(envelopeID); id != "" {
		return id
	}
	if id := strings.TrimSpace(amqpID); id != "" {
		return id
	}
	h := sha256.Sum256(append([]byte(routingKey+"\n"), body...))
	return "hash:" + hex.EncodeToString(h[:])
}

func decodeInterests(raw json.RawMessage, log zerolog.Logger) (string, []domain.InterestObservation, bool) {
	var p event.TrackerInterestsPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid payload json; dropping")
		return "", nil, false
	}
	trackerID := strings.TrimSpace(p.TrackerID)
	if trackerID == "" {
		trackerID = strings.TrimSpace(p.Tag)
	}
	if trackerID == "" {
		log.Warn().Msg("missing tracker_id; dropping")
		return "", nil, false
	}

	obs := make([]domain.InterestObservation, 0, len(p.Interests))
	for _, i := range p.Interests {
		obs = append(obs, domain.InterestObservation{InterestID: i.InterestID, Weight: i.Weight})
	}
	if err := service.ValidateObservations(obs); err != nil {
		log.Warn().Err(err).Msg("invalid observations; dropping")
		return "", nil, false
	}
	return trackerID, obs, true
}

// Strong path: dedupe fence and replace in the same DB tx.
type inboxTx interface {
	ProcessOnce(ctx context.Context, messageID, handlerName string, fn func(tx pgx.Tx) error) (bool, error)
	ReplaceTrackerInterestsTx(ctx context.Context, tx pgx.Tx, trackerID string, obs []domain.InterestObservation) error
}

// Compatibility path: non-atomic dedupe. The marker is written only after the
// report is applied, so a requeued delivery is retried rather than skipped.
type processedMarker interface {
	IsProcessed(ctx context.Context, messageID, handlerName string) (bool, error)
	TryMarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error)
}

func (c *Consumer) apply(ctx context.Context, msgID, trackerID string, obs []domain.InterestObservation) (bool, error) {
	if r, ok := c.store.(inboxTx); ok {
		return r.ProcessOnce(ctx, msgID, handlerName, func(tx pgx.Tx) error {
			return r.ReplaceTrackerInterestsTx(ctx, tx, trackerID, obs)
		})
	}

	pm, dedupe := c.store.(processedMarker)
	if dedupe {
		seen, err := pm.IsProcessed(ctx, msgID, handlerName)
		if err != nil || seen {
			return false, err
		}
	}
	if err := c.reporter.ReportInterests(ctx, trackerID, obs); err != nil {
		return false, err
	}
	if dedupe {
		// A lost marker means a redelivery reapplies the same replacement.
		if _, err := pm.TryMarkProcessed(ctx, msgID, handlerName); err != nil {
			return false, err
		}
	}
	return true, nil
}
