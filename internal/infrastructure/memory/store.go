// Package memory is an in-process store keyed by entity id. Relations are held
// as ids, never pointers between rows.
//
// Lock order: a row lock may be held while Store.mu is read-locked, never the
// reverse. Store.mu is released before any row lock is taken. Row locks are
// never nested, so draws on different orders and registrations of different
// trackers do not contend.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
)

type trackerRow struct {
	mu         sync.Mutex
	id         string
	receiverID *string
	interests  map[int64]float64
}

type orderRow struct {
	mu    sync.Mutex
	order domain.Order
}

type Store struct {
	mu        sync.RWMutex
	trackers  map[string]*trackerRow
	receivers map[string]domain.Receiver
	displays  map[int64]domain.Display
	agencies  map[string]domain.Agency
	orders    map[string]*orderRow
	videos    map[int64]domain.AdvertVideo
	funding   []domain.AdvertVideoOrder

	playsMu sync.RWMutex
	plays   []domain.PlayedVideo

	processedMu sync.Mutex
	processed   map[string]struct{}
}

func New() *Store {
	return &Store{
		trackers:  make(map[string]*trackerRow),
		receivers: make(map[string]domain.Receiver),
		displays:  make(map[int64]domain.Display),
		agencies:  make(map[string]domain.Agency),
		orders:    make(map[string]*orderRow),
		videos:    make(map[int64]domain.AdvertVideo),
		processed: make(map[string]struct{}),
	}
}

// -------------------------
// Provisioning
// -------------------------

func (s *Store) PutReceiver(r domain.Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receivers[r.ID] = r
}

func (s *Store) PutTracker(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trackers[id]; !ok {
		s.trackers[id] = &trackerRow{id: id, interests: map[int64]float64{}}
	}
}

func (s *Store) PutDisplay(d domain.Display) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displays[d.ID] = d
}

func (s *Store) PutAgency(a domain.Agency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agencies[a.OrgNr] = a
}

func (s *Store) PutOrder(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Interests = append([]int64(nil), o.Interests...)
	s.orders[o.ID] = &orderRow{order: o}
}

func (s *Store) PutVideo(v domain.AdvertVideo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.Interests = append([]int64(nil), v.Interests...)
	s.videos[v.ID] = v
}

func (s *Store) PutFunding(f domain.AdvertVideoOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.funding {
		if existing.VideoID == f.VideoID && existing.OrderID == f.OrderID {
			s.funding[i] = f
			return
		}
	}
	s.funding = append(s.funding, f)
}

// -------------------------
// domain.DeviceRepository
// -------------------------

func (s *Store) tracker(id string) (*trackerRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.trackers[id]
	return row, ok
}

func (s *Store) receiver(id string) (domain.Receiver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receivers[id]
	return r, ok
}

func (s *Store) snapshotTracker(row *trackerRow) domain.Tracker {
	t := domain.Tracker{ID: row.id}
	if row.receiverID != nil {
		rid := *row.receiverID
		t.ReceiverID = &rid
		if r, ok := s.receiver(rid); ok {
			loc := r.LocationID
			t.LocationID = &loc
		}
	}
	return t
}

func (s *Store) GetTracker(ctx context.Context, trackerID string) (domain.Tracker, error) {
	row, ok := s.tracker(trackerID)
	if !ok {
		return domain.Tracker{}, domain.NotFound(domain.EntityTracker, trackerID)
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return s.snapshotTracker(row), nil
}

func (s *Store) GetReceiver(ctx context.Context, receiverID string) (domain.Receiver, error) {
	r, ok := s.receiver(receiverID)
	if !ok {
		return domain.Receiver{}, domain.NotFound(domain.EntityReceiver, receiverID)
	}
	return r, nil
}

func (s *Store) GetDisplay(ctx context.Context, displayID int64) (domain.Display, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.displays[displayID]
	if !ok {
		return domain.Display{}, domain.NotFound(domain.EntityDisplay, displayID)
	}
	return d, nil
}

func (s *Store) AssignTracker(ctx context.Context, trackerID, receiverID string) (domain.Tracker, error) {
	if _, ok := s.receiver(receiverID); !ok {
		return domain.Tracker{}, domain.NotFound(domain.EntityReceiver, receiverID)
	}
	row, ok := s.tracker(trackerID)
	if !ok {
		return domain.Tracker{}, domain.NotFound(domain.EntityTracker, trackerID)
	}

	row.mu.Lock()
	defer row.mu.Unlock()
	if row.receiverID == nil || *row.receiverID != receiverID {
		rid := receiverID
		row.receiverID = &rid
	}
	return s.snapshotTracker(row), nil
}

func (s *Store) ReleaseTracker(ctx context.Context, trackerID, receiverID string) (bool, error) {
	row, ok := s.tracker(trackerID)
	if !ok {
		return false, domain.NotFound(domain.EntityTracker, trackerID)
	}

	row.mu.Lock()
	defer row.mu.Unlock()
	if row.receiverID == nil || *row.receiverID != receiverID {
		return false, nil
	}
	row.receiverID = nil
	return true, nil
}

func (s *Store) rows() []*trackerRow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*trackerRow, 0, len(s.trackers))
	for _, row := range s.trackers {
		out = append(out, row)
	}
	return out
}

func (s *Store) ListTrackersByReceiver(ctx context.Context, receiverID string) ([]domain.Tracker, error) {
	var out []domain.Tracker
	for _, row := range s.rows() {
		row.mu.Lock()
		if row.receiverID != nil && *row.receiverID == receiverID {
			out = append(out, s.snapshotTracker(row))
		}
		row.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// -------------------------
// domain.InterestRepository
// -------------------------

func (s *Store) InterestWeightsAtLocation(ctx context.Context, locationID int64) ([]domain.InterestWeight, error) {
	sums := map[int64]float64{}
	for _, row := range s.rows() {
		row.mu.Lock()
		if row.receiverID != nil {
			if r, ok := s.receiver(*row.receiverID); ok && r.LocationID == locationID {
				for id, w := range row.interests {
					sums[id] += w
				}
			}
		}
		row.mu.Unlock()
	}

	out := make([]domain.InterestWeight, 0, len(sums))
	for id, w := range sums {
		out = append(out, domain.InterestWeight{InterestID: id, Weight: w})
	}
	return out, nil
}

func (s *Store) ReplaceTrackerInterests(ctx context.Context, trackerID string, obs []domain.InterestObservation) error {
	row, ok := s.tracker(trackerID)
	if !ok {
		return domain.NotFound(domain.EntityTracker, trackerID)
	}
	next := make(map[int64]float64, len(obs))
	for _, o := range obs {
		next[o.InterestID] = o.Weight
	}

	row.mu.Lock()
	row.interests = next
	row.mu.Unlock()
	return nil
}

// -------------------------
// domain.CatalogRepository
// -------------------------

func (s *Store) order(id string) (*orderRow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.orders[id]
	return row, ok
}

func (s *Store) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	row, ok := s.order(orderID)
	if !ok {
		return domain.Order{}, domain.NotFound(domain.EntityOrder, orderID)
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	o := row.order
	o.Interests = append([]int64(nil), o.Interests...)
	return o, nil
}

func (s *Store) GetAdvertVideo(ctx context.Context, videoID int64) (domain.AdvertVideo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.videos[videoID]
	if !ok {
		return domain.AdvertVideo{}, domain.NotFound(domain.EntityVideo, videoID)
	}
	return v, nil
}

func (s *Store) GetAgency(ctx context.Context, orgNr string) (domain.Agency, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agencies[orgNr]
	if !ok {
		return domain.Agency{}, domain.NotFound(domain.EntityAgency, orgNr)
	}
	return a, nil
}

func (s *Store) FundedVideos(ctx context.Context, interests []int64, at time.Time) ([]domain.FundedVideo, error) {
	var want map[int64]struct{}
	if interests != nil {
		want = make(map[int64]struct{}, len(interests))
		for _, id := range interests {
			want[id] = struct{}{}
		}
	}

	s.mu.RLock()
	type pair struct {
		f     domain.AdvertVideoOrder
		video domain.AdvertVideo
		order *orderRow
	}
	var pairs []pair
	for _, f := range s.funding {
		v, ok := s.videos[f.VideoID]
		if !ok {
			continue
		}
		o, ok := s.orders[f.OrderID]
		if !ok || !f.Active(at) || !matchesAny(v.Interests, want) {
			continue
		}
		pairs = append(pairs, pair{f: f, video: v, order: o})
	}
	s.mu.RUnlock()

	var out []domain.FundedVideo
	for _, p := range pairs {
		p.order.mu.Lock()
		credits := p.order.order.Credits
		p.order.mu.Unlock()
		if credits <= 0 {
			continue
		}
		out = append(out, domain.FundedVideo{
			Video:       p.video,
			OrderID:     p.f.OrderID,
			CostPerPlay: p.f.CostPerPlay,
			Credits:     credits,
		})
	}
	return out, nil
}

func matchesAny(videoInterests []int64, want map[int64]struct{}) bool {
	if want == nil {
		return true
	}
	for _, id := range videoInterests {
		if _, ok := want[id]; ok {
			return true
		}
	}
	return false
}

// -------------------------
// domain.LedgerRepository
// -------------------------

func (s *Store) DrawCredits(ctx context.Context, orderID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	row, ok := s.order(orderID)
	if !ok {
		return 0, domain.NotFound(domain.EntityOrder, orderID)
	}

	row.mu.Lock()
	defer row.mu.Unlock()
	if row.order.Credits < amount {
		return row.order.Credits, &domain.InsufficientCreditError{
			OrderID:   orderID,
			Balance:   row.order.Credits,
			Requested: amount,
		}
	}
	row.order.Credits -= amount
	return row.order.Credits, nil
}

func (s *Store) RefundCredits(ctx context.Context, orderID string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	row, ok := s.order(orderID)
	if !ok {
		return 0, domain.NotFound(domain.EntityOrder, orderID)
	}

	row.mu.Lock()
	defer row.mu.Unlock()
	row.order.Credits += amount
	return row.order.Credits, nil
}

// -------------------------
// domain.PlaybackRepository
// -------------------------

func (s *Store) InsertPlayedVideo(ctx context.Context, pv domain.PlayedVideo) error {
	s.playsMu.Lock()
	defer s.playsMu.Unlock()
	s.plays = append(s.plays, pv)
	return nil
}

// ListPlayedVideos returns newest first. displayID 0 lists every display.
func (s *Store) ListPlayedVideos(ctx context.Context, displayID int64, limit int) ([]domain.PlayedVideo, error) {
	s.playsMu.RLock()
	defer s.playsMu.RUnlock()

	var out []domain.PlayedVideo
	for i := len(s.plays) - 1; i >= 0; i-- {
		pv := s.plays[i]
		if displayID != 0 && pv.DisplayID != displayID {
			continue
		}
		out = append(out, pv)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// IsProcessed reports whether messageID was already marked for handlerName.
func (s *Store) IsProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	_, seen := s.processed[handlerName+"/"+messageID]
	return seen, nil
}

// TryMarkProcessed is the in-process inbox fence for consumed messages.
func (s *Store) TryMarkProcessed(ctx context.Context, messageID, handlerName string) (bool, error) {
	if messageID == "" {
		return true, nil
	}
	key := handlerName + "/" + messageID

	s.processedMu.Lock()
	defer s.processedMu.Unlock()
	if _, dup := s.processed[key]; dup {
		return false, nil
	}
	s.processed[key] = struct{}{}
	return true, nil
}
