package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/baechuer/advert-service/internal/contracts/event"
	"github.com/baechuer/advert-service/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockInbox struct {
	mock.Mock
}

func (m *MockInbox) ProcessOnce(ctx context.Context, messageID, handler string, fn func(tx pgx.Tx) error) (bool, error) {
	args := m.Called(ctx, messageID, handler)
	if !args.Bool(0) || args.Error(1) != nil {
		return args.Bool(0), args.Error(1)
	}
	if err := fn(nil); err != nil {
		return false, err
	}
	return true, nil
}

func (m *MockInbox) ReplaceTrackerInterestsTx(ctx context.Context, tx pgx.Tx, trackerID string, obs []domain.InterestObservation) error {
	args := m.Called(ctx, tx, trackerID, obs)
	return args.Error(0)
}

type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) ReportInterests(ctx context.Context, trackerID string, obs []domain.InterestObservation) error {
	args := m.Called(ctx, trackerID, obs)
	return args.Error(0)
}

type markerStore struct {
	seen map[string]bool
	err  error
}

func (s *markerStore) IsProcessed(ctx context.Context, messageID, handler string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.seen[messageID], nil
}

func (s *markerStore) TryMarkProcessed(ctx context.Context, messageID, handler string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if s.seen[messageID] {
		return false, nil
	}
	s.seen[messageID] = true
	return true, nil
}

func loggerStub() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func interestsBody(t *testing.T, messageID string, payload any) []byte {
	t.Helper()
	b, err := event.Marshal(messageID, "trace-1", time.Now(), payload)
	require.NoError(t, err)
	return b
}

func TestMessageID_Precedence(t *testing.T) {
	assert.Equal(t, "env", messageID(" env ", "amqp", "rk", []byte("x")))
	assert.Equal(t, "amqp", messageID("", "amqp", "rk", []byte("x")))

	a := messageID("", "", "rk", []byte("x"))
	b := messageID("", "", "rk", []byte("x"))
	c := messageID("", "", "rk", []byte("y"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "hash:")
}

func TestDecodeInterests(t *testing.T) {
	t.Run("tracker_id", func(t *testing.T) {
		raw := json.RawMessage(`{"tracker_id":"t-1","interests":[{"interest_id":3,"weight":0.5}]}`)
		id, obs, ok := decodeInterests(raw, loggerStub())
		require.True(t, ok)
		assert.Equal(t, "t-1", id)
		assert.Equal(t, []domain.InterestObservation{{InterestID: 3, Weight: 0.5}}, obs)
	})

	t.Run("legacy tag", func(t *testing.T) {
		raw := json.RawMessage(`{"tag":"t-9","interests":[]}`)
		id, obs, ok := decodeInterests(raw, loggerStub())
		require.True(t, ok)
		assert.Equal(t, "t-9", id)
		assert.Empty(t, obs)
	})

	t.Run("rejects", func(t *testing.T) {
		for name, raw := range map[string]string{
			"not json":        `[`,
			"missing tracker": `{"interests":[]}`,
			"negative weight": `{"tracker_id":"t-1","interests":[{"interest_id":3,"weight":-1}]}`,
			"zero id":         `{"tracker_id":"t-1","interests":[{"interest_id":0,"weight":1}]}`,
			"duplicate":       `{"tracker_id":"t-1","interests":[{"interest_id":3,"weight":1},{"interest_id":3,"weight":2}]}`,
		} {
			_, _, ok := decodeInterests(json.RawMessage(raw), loggerStub())
			assert.False(t, ok, name)
		}
	})
}

func TestHandle_StrongPath(t *testing.T) {
	repo := new(MockInbox)
	c := NewConsumer("", "adverts", repo, nil)
	ctx := context.Background()

	obs := []domain.InterestObservation{{InterestID: 2, Weight: 1.5}}
	body := interestsBody(t, "m-1", event.TrackerInterestsPayload{
		TrackerID: "t-1",
		Interests: []struct {
			InterestID int64   `json:"interest_id"`
			Weight     float64 `json:"weight"`
		}{{InterestID: 2, Weight: 1.5}},
	})

	repo.On("ProcessOnce", mock.Anything, "m-1", handlerName).Return(true, nil).Once()
	repo.On("ReplaceTrackerInterestsTx", mock.Anything, mock.Anything, "t-1", obs).Return(nil).Once()

	require.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "", body))
	repo.AssertExpectations(t)
}

func TestHandle_StrongPath_Duplicate(t *testing.T) {
	repo := new(MockInbox)
	c := NewConsumer("", "adverts", repo, nil)

	body := interestsBody(t, "m-1", map[string]any{"tracker_id": "t-1", "interests": []any{}})
	repo.On("ProcessOnce", mock.Anything, "m-1", handlerName).Return(false, nil).Once()

	require.NoError(t, c.handle(context.Background(), event.RKTrackerInterestsReported, "", body))
	repo.AssertNotCalled(t, "ReplaceTrackerInterestsTx", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_DropsUnknownTracker(t *testing.T) {
	repo := new(MockInbox)
	c := NewConsumer("", "adverts", repo, nil)

	body := interestsBody(t, "m-2", map[string]any{"tracker_id": "ghost", "interests": []any{}})
	repo.On("ProcessOnce", mock.Anything, "m-2", handlerName).Return(true, nil).Once()
	repo.On("ReplaceTrackerInterestsTx", mock.Anything, mock.Anything, "ghost", mock.Anything).
		Return(domain.NotFound(domain.EntityTracker, "ghost")).Once()

	assert.NoError(t, c.handle(context.Background(), event.RKTrackerInterestsReported, "", body))
	repo.AssertExpectations(t)
}

func TestHandle_RequeuesTransient(t *testing.T) {
	repo := new(MockInbox)
	c := NewConsumer("", "adverts", repo, nil)

	body := interestsBody(t, "m-3", map[string]any{"tracker_id": "t-1", "interests": []any{}})
	repo.On("ProcessOnce", mock.Anything, "m-3", handlerName).
		Return(false, domain.Unavailable("process_once", errors.New("conn reset"))).Once()

	err := c.handle(context.Background(), event.RKTrackerInterestsReported, "", body)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}

func TestHandle_PoisonMessagesDropped(t *testing.T) {
	repo := new(MockInbox)
	c := NewConsumer("", "adverts", repo, nil)
	ctx := context.Background()

	assert.NoError(t, c.handle(ctx, "something.else", "", []byte(`{}`)))
	assert.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "", []byte(`not json`)))
	assert.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "", []byte(`{"version":2,"payload":{}}`)))
	assert.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "", []byte(`{"version":1,"payload":{"interests":[]}}`)))
	repo.AssertNotCalled(t, "ProcessOnce", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_CompatPath_DedupesAndReports(t *testing.T) {
	store := &markerStore{seen: map[string]bool{}}
	rep := new(MockReporter)
	c := NewConsumer("", "adverts", store, rep)
	ctx := context.Background()

	body := interestsBody(t, "", map[string]any{
		"tracker_id": "t-1",
		"interests":  []map[string]any{{"interest_id": 4, "weight": 2}},
	})
	rep.On("ReportInterests", mock.Anything, "t-1", []domain.InterestObservation{{InterestID: 4, Weight: 2}}).
		Return(nil).Once()

	require.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "amqp-1", body))
	require.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "amqp-1", body))
	rep.AssertExpectations(t)
}

func TestHandle_CompatPath_MarkerError(t *testing.T) {
	store := &markerStore{err: errors.New("redis down")}
	rep := new(MockReporter)
	c := NewConsumer("", "adverts", store, rep)

	body := interestsBody(t, "m-4", map[string]any{"tracker_id": "t-1", "interests": []any{}})
	err := c.handle(context.Background(), event.RKTrackerInterestsReported, "", body)
	assert.Error(t, err)
	rep.AssertNotCalled(t, "ReportInterests", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandle_CompatPath_RetriesAfterReportFailure(t *testing.T) {
	store := &markerStore{seen: map[string]bool{}}
	rep := new(MockReporter)
	c := NewConsumer("", "adverts", store, rep)
	ctx := context.Background()

	body := interestsBody(t, "m-5", map[string]any{
		"tracker_id": "t-1",
		"interests":  []map[string]any{{"interest_id": 4, "weight": 2}},
	})
	want := []domain.InterestObservation{{InterestID: 4, Weight: 2}}
	rep.On("ReportInterests", mock.Anything, "t-1", want).Return(domain.ErrStorageUnavailable).Once()
	rep.On("ReportInterests", mock.Anything, "t-1", want).Return(nil).Once()

	require.Error(t, c.handle(ctx, event.RKTrackerInterestsReported, "", body))
	assert.False(t, store.seen["m-5"])

	require.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "", body))
	assert.True(t, store.seen["m-5"])

	require.NoError(t, c.handle(ctx, event.RKTrackerInterestsReported, "", body))
	rep.AssertExpectations(t)
	rep.AssertNumberOfCalls(t, "ReportInterests", 2)
}
