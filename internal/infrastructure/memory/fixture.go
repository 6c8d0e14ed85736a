package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/baechuer/advert-service/internal/domain"
)

// Fixture is the provisioning file format for STORAGE_BACKEND=memory.
type Fixture struct {
	Receivers []struct {
		ID         string `json:"id"`
		LocationID int64  `json:"location_id"`
	} `json:"receivers"`
	Trackers []struct {
		ID         string  `json:"id"`
		ReceiverID *string `json:"receiver_id"`
		Interests  []struct {
			InterestID int64   `json:"interest_id"`
			Weight     float64 `json:"weight"`
		} `json:"interests"`
	} `json:"trackers"`
	Displays []struct {
		ID         int64 `json:"id"`
		LocationID int64 `json:"location_id"`
		Width      int   `json:"width"`
		Height     int   `json:"height"`
	} `json:"displays"`
	Agencies []struct {
		OrgNr string `json:"org_nr"`
		Name  string `json:"name"`
	} `json:"agencies"`
	Orders []struct {
		ID        string  `json:"id"`
		Agency    string  `json:"agency"`
		Credits   int64   `json:"credits"`
		Interests []int64 `json:"interests"`
	} `json:"orders"`
	Videos []struct {
		ID        int64   `json:"id"`
		URL       string  `json:"url"`
		LengthSec int     `json:"length_sec"`
		Width     int     `json:"width"`
		Height    int     `json:"height"`
		Interests []int64 `json:"interests"`
	} `json:"videos"`
	Funding []struct {
		VideoID     int64      `json:"video_id"`
		OrderID     string     `json:"order_id"`
		CostPerPlay int64      `json:"cost_per_play"`
		StartsAt    *time.Time `json:"starts_at"`
		EndsAt      *time.Time `json:"ends_at"`
	} `json:"funding"`
}

// LoadFixture reads a JSON fixture from path into a new Store.
func LoadFixture(path string) (*Store, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	var f Fixture
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	s := New()
	if err := s.Apply(f); err != nil {
		return nil, err
	}
	return s, nil
}

// Apply provisions every entity in f. Tracker receivers must exist.
func (s *Store) Apply(f Fixture) error {
	for _, r := range f.Receivers {
		s.PutReceiver(domain.Receiver{ID: r.ID, LocationID: r.LocationID})
	}
	for _, d := range f.Displays {
		s.PutDisplay(domain.Display{ID: d.ID, LocationID: d.LocationID, Width: d.Width, Height: d.Height})
	}
	for _, a := range f.Agencies {
		s.PutAgency(domain.Agency{OrgNr: a.OrgNr, Name: a.Name})
	}
	for _, o := range f.Orders {
		if o.Credits < 0 {
			return fmt.Errorf("order %q: negative credits", o.ID)
		}
		s.PutOrder(domain.Order{ID: o.ID, AgencyOrgNr: o.Agency, Credits: o.Credits, Interests: o.Interests})
	}
	for _, v := range f.Videos {
		s.PutVideo(domain.AdvertVideo{
			ID: v.ID, URL: v.URL, LengthSec: v.LengthSec,
			Width: v.Width, Height: v.Height, Interests: v.Interests,
		})
	}
	for _, fo := range f.Funding {
		s.PutFunding(domain.AdvertVideoOrder{
			VideoID: fo.VideoID, OrderID: fo.OrderID, CostPerPlay: fo.CostPerPlay,
			StartsAt: fo.StartsAt, EndsAt: fo.EndsAt,
		})
	}

	for _, t := range f.Trackers {
		s.PutTracker(t.ID)
		row, _ := s.tracker(t.ID)
		if t.ReceiverID != nil {
			if _, ok := s.receiver(*t.ReceiverID); !ok {
				return fmt.Errorf("tracker %q: %w", t.ID, domain.NotFound(domain.EntityReceiver, *t.ReceiverID))
			}
			rid := *t.ReceiverID
			row.mu.Lock()
			row.receiverID = &rid
			row.mu.Unlock()
		}
		interests := make(map[int64]float64, len(t.Interests))
		for _, i := range t.Interests {
			interests[i.InterestID] = i.Weight
		}
		row.mu.Lock()
		row.interests = interests
		row.mu.Unlock()
	}
	return nil
}
