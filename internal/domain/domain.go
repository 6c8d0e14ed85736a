package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Tracker is a sensing unit. ReceiverID is nil while the tracker is not paired.
type Tracker struct {
	ID         string
	ReceiverID *string
	LocationID *int64
}

// Registered reports whether the tracker is currently paired with receiverID.
func (t Tracker) Registered(receiverID string) bool {
	return t.ReceiverID != nil && *t.ReceiverID == receiverID
}

// Receiver is the pairing station trackers register with.
type Receiver struct {
	ID         string
	LocationID int64
}

// Display is the screen that plays videos. Width/Height of 0 mean unknown.
type Display struct {
	ID         int64
	LocationID int64
	Width      int
	Height     int
}

type Interest struct {
	ID   int64
	Name string
}

// InterestWeight is one row of an aggregated interest profile.
type InterestWeight struct {
	InterestID int64
	Weight     float64
}

// InterestObservation is a tracker's reported weight for one interest.
type InterestObservation struct {
	InterestID int64
	Weight     float64
}

type Agency struct {
	OrgNr string
	Name  string
}

type Order struct {
	ID          string
	AgencyOrgNr string
	Credits     int64
	Interests   []int64
}

type AdvertVideo struct {
	ID        int64
	URL       string
	LengthSec int
	Width     int
	Height    int
	Interests []int64
}

// AdvertVideoOrder is a funding row: Order pays CostPerPlay for every play of Video.
type AdvertVideoOrder struct {
	VideoID     int64
	OrderID     string
	CostPerPlay int64
	StartsAt    *time.Time
	EndsAt      *time.Time
}

// Active reports whether the funding window contains at.
func (f AdvertVideoOrder) Active(at time.Time) bool {
	if f.StartsAt != nil && at.Before(*f.StartsAt) {
		return false
	}
	if f.EndsAt != nil && !at.Before(*f.EndsAt) {
		return false
	}
	return true
}

// FundedVideo is a video joined with one funding row whose order still has credit.
type FundedVideo struct {
	Video       AdvertVideo
	OrderID     string
	CostPerPlay int64
	Credits     int64
}

// Candidate is a ranked FundedVideo.
type Candidate struct {
	FundedVideo
	Score           float64
	MatchedInterest *int64
}

// PlayedVideo is an immutable playback record.
type PlayedVideo struct {
	ID        uuid.UUID
	VideoID   int64
	DisplayID int64
	OrderID   string
	Credits   int64
	PlayedAt  time.Time
}

type AllocationStatus string

const (
	AllocationPlayed    AllocationStatus = "played"
	AllocationNoContent AllocationStatus = "no_content"
)

// Allocation is the outcome of one content request.
type Allocation struct {
	Status    AllocationStatus
	DisplayID int64
	Candidate *Candidate
	Play      *PlayedVideo
	Balance   int64
	MediaURL  string
}

// DeviceRepository stores trackers, receivers and displays.
// Tracker mutations are serialized per tracker.
type DeviceRepository interface {
	GetTracker(ctx context.Context, trackerID string) (Tracker, error)
	GetReceiver(ctx context.Context, receiverID string) (Receiver, error)
	GetDisplay(ctx context.Context, displayID int64) (Display, error)

	// AssignTracker points the tracker at receiverID, replacing any previous receiver.
	AssignTracker(ctx context.Context, trackerID, receiverID string) (Tracker, error)
	// ReleaseTracker clears the association only if it currently points at receiverID.
	ReleaseTracker(ctx context.Context, trackerID, receiverID string) (bool, error)
	ListTrackersByReceiver(ctx context.Context, receiverID string) ([]Tracker, error)
}

type InterestRepository interface {
	// InterestWeightsAtLocation sums weights of trackers registered at locationID, in any order.
	InterestWeightsAtLocation(ctx context.Context, locationID int64) ([]InterestWeight, error)
	ReplaceTrackerInterests(ctx context.Context, trackerID string, obs []InterestObservation) error
}

type CatalogRepository interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetAdvertVideo(ctx context.Context, videoID int64) (AdvertVideo, error)
	GetAgency(ctx context.Context, orgNr string) (Agency, error)

	// FundedVideos returns funding rows active at `at` with credits > 0.
	// A nil interests slice disables the interest filter.
	FundedVideos(ctx context.Context, interests []int64, at time.Time) ([]FundedVideo, error)
}

type LedgerRepository interface {
	DrawCredits(ctx context.Context, orderID string, amount int64) (int64, error)
	RefundCredits(ctx context.Context, orderID string, amount int64) (int64, error)
}

type PlaybackRepository interface {
	InsertPlayedVideo(ctx context.Context, pv PlayedVideo) error
	ListPlayedVideos(ctx context.Context, displayID int64, limit int) ([]PlayedVideo, error)
}

// PlaybackCommitter is implemented by stores that can draw credit and append the
// play record in one transaction.
type PlaybackCommitter interface {
	DrawAndRecord(ctx context.Context, amount int64, pv PlayedVideo) (int64, error)
}

type CacheRepository interface {
	GetDisplay(ctx context.Context, displayID int64) (Display, error)
	SetDisplay(ctx context.Context, d Display) error

	AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// MediaResolver turns a stored media reference into a URL a display can fetch.
type MediaResolver interface {
	ResolveURL(ctx context.Context, ref string) (string, error)
}
