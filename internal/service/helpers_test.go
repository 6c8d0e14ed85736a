package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/infrastructure/memory"
	"github.com/baechuer/advert-service/internal/service"
)

const (
	locLobby = int64(1)
	locGym   = int64(2)

	displayLobby = int64(100)
	displayGym   = int64(200)

	interestSports = int64(1)
	interestFood   = int64(2)
	interestMusic  = int64(3)
)

var errStoreDown = domain.Unavailable("test", errors.New("connection refused"))

// newStore seeds two receivers in the lobby, one in the gym, two trackers and a
// display per location.
func newStore(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New()
	s.PutReceiver(domain.Receiver{ID: "r-lobby", LocationID: locLobby})
	s.PutReceiver(domain.Receiver{ID: "r-lobby-2", LocationID: locLobby})
	s.PutReceiver(domain.Receiver{ID: "r-gym", LocationID: locGym})
	s.PutTracker("t-1")
	s.PutTracker("t-2")
	s.PutDisplay(domain.Display{ID: displayLobby, LocationID: locLobby, Width: 1920, Height: 1080})
	s.PutDisplay(domain.Display{ID: displayGym, LocationID: locGym})
	s.PutAgency(domain.Agency{OrgNr: "998877665", Name: "Acme Media"})
	return s
}

// fund adds an order with credits and one video funded by it.
func fund(s *memory.Store, orderID string, credits int64, videoID int64, cost int64, interests ...int64) {
	s.PutOrder(domain.Order{ID: orderID, AgencyOrgNr: "998877665", Credits: credits, Interests: interests})
	s.PutVideo(domain.AdvertVideo{ID: videoID, URL: "https://cdn.example/v.mp4", LengthSec: 15, Interests: interests})
	s.PutFunding(domain.AdvertVideoOrder{VideoID: videoID, OrderID: orderID, CostPerPlay: cost})
}

func register(t *testing.T, s *memory.Store, trackerID, receiverID string, obs ...domain.InterestObservation) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.AssignTracker(ctx, trackerID, receiverID); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := s.ReplaceTrackerInterests(ctx, trackerID, obs); err != nil {
		t.Fatalf("interests: %v", err)
	}
}

type stores struct {
	ledger domain.LedgerRepository
	plays  domain.PlaybackRepository
}

func newAllocator(s *memory.Store, override *stores, opts ...service.AllocatorOption) *service.Allocator {
	var ledger domain.LedgerRepository = s
	var plays domain.PlaybackRepository = s
	if override != nil {
		if override.ledger != nil {
			ledger = override.ledger
		}
		if override.plays != nil {
			plays = override.plays
		}
	}
	return service.NewAllocator(
		s,
		service.NewInterestAggregator(s, nil),
		service.NewEligibilityResolver(s),
		service.NewCreditLedger(ledger),
		service.NewPlaybackRecorder(plays),
		opts...,
	)
}

func balance(t *testing.T, s *memory.Store, orderID string) int64 {
	t.Helper()
	o, err := s.GetOrder(context.Background(), orderID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	return o.Credits
}

func playCount(t *testing.T, s *memory.Store) int {
	t.Helper()
	plays, err := s.ListPlayedVideos(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("list plays: %v", err)
	}
	return len(plays)
}

// failingPlays rejects every insert.
type failingPlays struct{ *memory.Store }

func (f failingPlays) InsertPlayedVideo(ctx context.Context, pv domain.PlayedVideo) error {
	return errStoreDown
}

// failingRefunds draws normally but cannot refund.
type failingRefunds struct{ *memory.Store }

func (f failingRefunds) RefundCredits(ctx context.Context, orderID string, amount int64) (int64, error) {
	return 0, errStoreDown
}

// cancelOnDraw cancels the request right after a successful draw.
type cancelOnDraw struct {
	*memory.Store
	cancel context.CancelFunc
}

func (c cancelOnDraw) DrawCredits(ctx context.Context, orderID string, amount int64) (int64, error) {
	n, err := c.Store.DrawCredits(ctx, orderID, amount)
	c.cancel()
	return n, err
}

// fakeCache is an in-process CacheRepository.
type fakeCache struct {
	mu      sync.Mutex
	items   map[int64]domain.Display
	gets    int
	sets    int
	failGet error
}

func newFakeCache() *fakeCache { return &fakeCache{items: map[int64]domain.Display{}} }

func (c *fakeCache) GetDisplay(ctx context.Context, id int64) (domain.Display, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if c.failGet != nil {
		return domain.Display{}, c.failGet
	}
	d, ok := c.items[id]
	if !ok {
		return domain.Display{}, domain.ErrCacheMiss
	}
	return d, nil
}

func (c *fakeCache) SetDisplay(ctx context.Context, d domain.Display) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets++
	c.items[d.ID] = d
	return nil
}

func (c *fakeCache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return true, nil
}

type fakeCommitter struct {
	calls   int
	amounts []int64
	err     error
}

func (f *fakeCommitter) DrawAndRecord(ctx context.Context, amount int64, pv domain.PlayedVideo) (int64, error) {
	f.calls++
	f.amounts = append(f.amounts, amount)
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

type prefixResolver struct{}

func (prefixResolver) ResolveURL(ctx context.Context, ref string) (string, error) {
	return "signed:" + ref, nil
}
