package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/baechuer/advert-service/internal/domain"
	"github.com/baechuer/advert-service/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestContent_DrainsOrderThenNoContent(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 1))
	fund(s, "o-1", 2, 10, 1, interestSports)
	alloc := newAllocator(s, nil)

	for _, want := range []int64{1, 0} {
		out, err := alloc.RequestContent(ctx, displayLobby)
		require.NoError(t, err)
		require.Equal(t, domain.AllocationPlayed, out.Status)
		assert.Equal(t, int64(10), out.Candidate.Video.ID)
		assert.Equal(t, want, out.Balance)
		assert.Equal(t, displayLobby, out.Play.DisplayID)
		assert.Equal(t, "o-1", out.Play.OrderID)
		assert.Equal(t, int64(1), out.Play.Credits)
	}

	out, err := alloc.RequestContent(ctx, displayLobby)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationNoContent, out.Status)
	assert.Nil(t, out.Candidate)
	assert.Nil(t, out.Play)

	assert.Equal(t, 2, playCount(t, s))
	assert.Equal(t, int64(0), balance(t, s, "o-1"))
}

func TestRequestContent_PicksBestInterest(t *testing.T) {
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 10), obs(interestFood, 5))
	fund(s, "o-food", 5, 20, 1, interestFood)
	fund(s, "o-sports", 5, 10, 1, interestSports)

	out, err := newAllocator(s, nil).RequestContent(context.Background(), displayLobby)
	require.NoError(t, err)
	require.Equal(t, domain.AllocationPlayed, out.Status)
	assert.Equal(t, int64(10), out.Candidate.Video.ID)
	require.NotNil(t, out.Candidate.MatchedInterest)
	assert.Equal(t, interestSports, *out.Candidate.MatchedInterest)
}

func TestRequestContent_FallsBackWhenTopOrderCannotPay(t *testing.T) {
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 10), obs(interestFood, 5))
	// Top candidate costs more than its order holds.
	fund(s, "o-short", 1, 10, 3, interestSports)
	fund(s, "o-ok", 4, 20, 1, interestFood)

	out, err := newAllocator(s, nil).RequestContent(context.Background(), displayLobby)
	require.NoError(t, err)
	require.Equal(t, domain.AllocationPlayed, out.Status)
	assert.Equal(t, int64(20), out.Candidate.Video.ID)
	assert.Equal(t, int64(1), balance(t, s, "o-short"))
	assert.Equal(t, int64(3), balance(t, s, "o-ok"))
}

func TestRequestContent_NoSignalUsesAnyFundedVideo(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 1, 42, 1, interestMusic)

	out, err := newAllocator(s, nil).RequestContent(context.Background(), displayGym)
	require.NoError(t, err)
	require.Equal(t, domain.AllocationPlayed, out.Status)
	assert.Equal(t, int64(42), out.Candidate.Video.ID)
	assert.Nil(t, out.Candidate.MatchedInterest)
}

func TestRequestContent_ZeroWeightSignalStillFilters(t *testing.T) {
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 0))
	fund(s, "o-food", 5, 20, 1, interestFood)

	out, err := newAllocator(s, nil).RequestContent(context.Background(), displayLobby)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationNoContent, out.Status)
	assert.Equal(t, int64(5), balance(t, s, "o-food"))
	assert.Equal(t, 0, playCount(t, s))
}

func TestRequestContent_ZeroWeightMatchRanksLast(t *testing.T) {
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 0), obs(interestFood, 2))
	fund(s, "o-sports", 5, 10, 1, interestSports)
	fund(s, "o-food", 1, 20, 1, interestFood)
	alloc := newAllocator(s, nil)

	out, err := alloc.RequestContent(context.Background(), displayLobby)
	require.NoError(t, err)
	assert.Equal(t, int64(20), out.Candidate.Video.ID)

	out, err = alloc.RequestContent(context.Background(), displayLobby)
	require.NoError(t, err)
	require.Equal(t, domain.AllocationPlayed, out.Status)
	assert.Equal(t, int64(10), out.Candidate.Video.ID)
	require.NotNil(t, out.Candidate.MatchedInterest)
	assert.Equal(t, interestSports, *out.Candidate.MatchedInterest)
}

func TestRequestContent_SkipsUnpresentable(t *testing.T) {
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 10), obs(interestFood, 1))
	s.PutOrder(domain.Order{ID: "o-4k", Credits: 5})
	s.PutVideo(domain.AdvertVideo{ID: 10, Width: 3840, Height: 2160, Interests: []int64{interestSports}})
	s.PutFunding(domain.AdvertVideoOrder{VideoID: 10, OrderID: "o-4k", CostPerPlay: 1})
	fund(s, "o-hd", 5, 20, 1, interestFood)

	out, err := newAllocator(s, nil).RequestContent(context.Background(), displayLobby)
	require.NoError(t, err)
	assert.Equal(t, int64(20), out.Candidate.Video.ID)
	assert.Equal(t, int64(5), balance(t, s, "o-4k"))
}

func TestRequestContent_UsesDefaultCost(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 5, 10, 0)

	out, err := newAllocator(s, nil, service.WithDefaultCost(2)).RequestContent(context.Background(), displayGym)
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Play.Credits)
	assert.Equal(t, int64(3), balance(t, s, "o-1"))
}

func TestRequestContent_UnknownDisplay(t *testing.T) {
	_, err := newAllocator(newStore(t), nil).RequestContent(context.Background(), 999)
	var nf *domain.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, domain.EntityDisplay, nf.Entity)
	assert.Equal(t, "999", nf.ID)
}

func TestRequestContent_RefundsWhenRecordFails(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)
	alloc := newAllocator(s, &stores{plays: failingPlays{s}})

	_, err := alloc.RequestContent(context.Background(), displayGym)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)
	assert.False(t, errors.Is(err, domain.ErrReconciliationRequired))
	assert.Equal(t, int64(2), balance(t, s, "o-1"))
	assert.Equal(t, 0, playCount(t, s))
}

func TestRequestContent_EscalatesWhenRefundFails(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)
	alloc := newAllocator(s, &stores{plays: failingPlays{s}, ledger: failingRefunds{s}})

	_, err := alloc.RequestContent(context.Background(), displayGym)
	require.ErrorIs(t, err, domain.ErrReconciliationRequired)
	var rec *domain.ReconciliationError
	require.True(t, errors.As(err, &rec))
	assert.Equal(t, "o-1", rec.OrderID)
	assert.Equal(t, int64(1), rec.Amount)
	assert.Equal(t, int64(1), balance(t, s, "o-1"))
}

func TestRequestContent_CanceledBeforeDrawChangesNothing(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newAllocator(s, nil).RequestContent(ctx, displayGym)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(2), balance(t, s, "o-1"))
	assert.Equal(t, 0, playCount(t, s))
}

func TestRequestContent_CancelAfterDrawStillRecords(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alloc := newAllocator(s, &stores{ledger: cancelOnDraw{Store: s, cancel: cancel}})
	out, err := alloc.RequestContent(ctx, displayGym)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationPlayed, out.Status)
	assert.Equal(t, 1, playCount(t, s))
	assert.Equal(t, int64(1), balance(t, s, "o-1"))
}

func TestRequestContent_UsesCommitterWhenAvailable(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)
	committer := &fakeCommitter{}

	out, err := newAllocator(s, nil, service.WithCommitter(committer)).RequestContent(context.Background(), displayGym)
	require.NoError(t, err)
	assert.Equal(t, 1, committer.calls)
	assert.Equal(t, []int64{1}, committer.amounts)
	assert.Equal(t, int64(7), out.Balance)
	// The committer owns the write; the store is untouched.
	assert.Equal(t, int64(2), balance(t, s, "o-1"))
}

func TestRequestContent_CommitterShortCreditFallsThrough(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)
	committer := &fakeCommitter{err: &domain.InsufficientCreditError{OrderID: "o-1"}}

	out, err := newAllocator(s, nil, service.WithCommitter(committer)).RequestContent(context.Background(), displayGym)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationNoContent, out.Status)
}

func TestRequestContent_DisplayCache(t *testing.T) {
	s := newStore(t)
	cache := newFakeCache()
	alloc := newAllocator(s, nil, service.WithCache(cache))

	for i := 0; i < 2; i++ {
		_, err := alloc.RequestContent(context.Background(), displayGym)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, cache.gets)
	assert.Equal(t, 1, cache.sets)

	cache.failGet = errors.New("redis down")
	out, err := alloc.RequestContent(context.Background(), displayGym)
	require.NoError(t, err)
	assert.Equal(t, domain.AllocationNoContent, out.Status)
}

func TestRequestContent_ResolvesMediaURL(t *testing.T) {
	s := newStore(t)
	fund(s, "o-1", 2, 10, 1)

	out, err := newAllocator(s, nil, service.WithMediaResolver(prefixResolver{})).RequestContent(context.Background(), displayGym)
	require.NoError(t, err)
	assert.Equal(t, "signed:https://cdn.example/v.mp4", out.MediaURL)
}

func TestRequestContent_ConcurrentDisplaysNeverOverspend(t *testing.T) {
	s := newStore(t)
	register(t, s, "t-1", "r-lobby", obs(interestSports, 1))
	fund(s, "o-1", 10, 10, 1, interestSports)
	alloc := newAllocator(s, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		played  int
		noPlay  int
		failure error
	)
	start := make(chan struct{})
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := alloc.RequestContent(context.Background(), displayLobby)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failure = err
			case out.Status == domain.AllocationPlayed:
				played++
			default:
				noPlay++
			}
		}()
	}
	close(start)
	wg.Wait()

	require.NoError(t, failure)
	assert.Equal(t, 10, played)
	assert.Equal(t, 40, noPlay)
	assert.Equal(t, 10, playCount(t, s))
	assert.Equal(t, int64(0), balance(t, s, "o-1"))
}
