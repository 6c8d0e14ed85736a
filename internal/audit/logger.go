package audit

import (
	"context"

	"github.com/baechuer/advert-service/internal/domain"
	appCtx "github.com/baechuer/advert-service/internal/pkg/context"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for billing and pairing events
type Logger struct {
	log zerolog.Logger
}

// New creates a new audit logger
func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// Nop discards everything.
func Nop() *Logger {
	return New(zerolog.Nop())
}

func (l *Logger) TrackerRegistered(ctx context.Context, trackerID, receiverID string) {
	l.log.Info().
		Str("action", "tracker_registered").
		Str("tracker_id", trackerID).
		Str("receiver_id", receiverID).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Tracker registered")
}

func (l *Logger) TrackerUnregistered(ctx context.Context, trackerID, receiverID string) {
	l.log.Info().
		Str("action", "tracker_unregistered").
		Str("tracker_id", trackerID).
		Str("receiver_id", receiverID).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Tracker unregistered")
}

func (l *Logger) InterestsReported(ctx context.Context, trackerID string, n int) {
	l.log.Info().
		Str("action", "interests_reported").
		Str("tracker_id", trackerID).
		Int("observations", n).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Tracker interests replaced")
}

// PlaybackRecorded logs a billed play
func (l *Logger) PlaybackRecorded(ctx context.Context, pv domain.PlayedVideo, balance int64) {
	l.log.Info().
		Str("action", "playback_recorded").
		Str("play_id", pv.ID.String()).
		Int64("video_id", pv.VideoID).
		Int64("display_id", pv.DisplayID).
		Str("order_id", pv.OrderID).
		Int64("credits", pv.Credits).
		Int64("balance", balance).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Playback recorded")
}

func (l *Logger) OrderExhausted(ctx context.Context, orderID string) {
	l.log.Info().
		Str("action", "order_exhausted").
		Str("order_id", orderID).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Order credit exhausted")
}

func (l *Logger) CreditsRefunded(ctx context.Context, orderID string, amount int64, cause error) {
	l.log.Warn().
		Str("action", "credits_refunded").
		Str("order_id", orderID).
		Int64("amount", amount).
		AnErr("cause", cause).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Draw compensated after failed play record")
}

// ReconciliationRequired logs a draw that left the ledger short
func (l *Logger) ReconciliationRequired(ctx context.Context, rec *domain.ReconciliationError) {
	l.log.Error().
		Str("action", "reconciliation_required").
		Str("order_id", rec.OrderID).
		Int64("amount", rec.Amount).
		AnErr("record_err", rec.RecordErr).
		AnErr("refund_err", rec.RefundErr).
		Str("request_id", appCtx.GetRequestID(ctx)).
		Msg("Credits drawn without play record")
}

func (l *Logger) OutboxMessageSent(ctx context.Context, messageID, routingKey string) {
	l.log.Info().
		Str("action", "outbox_sent").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Msg("Outbox message sent")
}

// OutboxMessageDead logs when an outbox message is moved to dead status
func (l *Logger) OutboxMessageDead(ctx context.Context, messageID, routingKey string, retries int) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("message_id", messageID).
		Str("routing_key", routingKey).
		Int("retries", retries).
		Msg("Outbox message moved to dead status")
}
