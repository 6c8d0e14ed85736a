package event

import (
	"encoding/json"
	"time"
)

const (
	Version  = 1
	Producer = "advert-service"
)

// Routing keys on the adverts exchange.
const (
	RKPlaybackRecorded         = "playback.recorded"
	RKOrderExhausted           = "order.exhausted"
	RKTrackerRegistered        = "tracker.registered"
	RKTrackerUnregistered      = "tracker.unregistered"
	RKTrackerInterestsReported = "tracker.interests.reported"
)

// DomainEventEnvelope is the canonical envelope on the wire.
// NOTE: message_id is optional for backward compatibility.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// Marshal wraps payload in a version 1 envelope.
func Marshal[T any](messageID, traceID string, occurredAt time.Time, payload T) ([]byte, error) {
	return json.Marshal(DomainEventEnvelope[T]{
		Version:    Version,
		Producer:   Producer,
		TraceID:    traceID,
		MessageID:  messageID,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	})
}

type PlaybackRecordedPayload struct {
	PlayID    string    `json:"play_id"`
	VideoID   int64     `json:"video_id"`
	DisplayID int64     `json:"display_id"`
	OrderID   string    `json:"order_id"`
	Credits   int64     `json:"credits"`
	Balance   int64     `json:"balance"`
	PlayedAt  time.Time `json:"played_at"`
}

type OrderExhaustedPayload struct {
	OrderID string `json:"order_id"`
}

type TrackerPairingPayload struct {
	TrackerID  string `json:"tracker_id"`
	ReceiverID string `json:"receiver_id"`
	LocationID int64  `json:"location_id"`
}

// TrackerInterestsPayload replaces a tracker's interest weights.
// Accept both tracker_id and legacy tag.
type TrackerInterestsPayload struct {
	TrackerID string `json:"tracker_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Interests []struct {
		InterestID int64   `json:"interest_id"`
		Weight     float64 `json:"weight"`
	} `json:"interests"`
}
