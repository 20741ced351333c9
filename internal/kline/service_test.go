package kline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
	"solana-kline-engine/internal/storage/memory"
)

// hourStart is aligned to every default resolution.
const hourStart int64 = 1_699_999_200

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(unix int64) *testClock { return &testClock{now: time.Unix(unix, 0)} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(unix int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = time.Unix(unix, 0)
}

type flakyHistory struct {
	*memory.HistoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyHistory) MergeBatch(ctx context.Context, deltas []*domain.KLine) error {
	f.mu.Lock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("history unavailable")
	}
	f.mu.Unlock()
	return f.HistoryStore.MergeBatch(ctx, deltas)
}

type failingStore struct {
	storage.KLineStore
}

func (failingStore) ApplyTrade(context.Context, *domain.Trade, []domain.Resolution) error {
	return errors.New("store down")
}

func newTrade(token string, price float64, amount uint64, ts int64) *domain.Trade {
	return &domain.Trade{
		TokenAddress: token,
		Price:        price,
		Amount:       amount,
		User:         "wallet",
		Timestamp:    ts,
		Slot:         ts,
		Venue:        domain.VenuePumpFun,
	}
}

func newTestService(t *testing.T, clock *testClock, history storage.HistoryStore, res ...domain.Resolution) (*Service, *memory.KLineStore) {
	t.Helper()
	store := memory.NewKLineStore(time.Hour)
	svc, err := New(Options{
		Store:         store,
		History:       history,
		Resolutions:   res,
		FlushRetries:  1,
		FlushInterval: 10 * time.Millisecond,
		Logger:        zaptest.NewLogger(t),
		Clock:         clock.Now,
	})
	require.NoError(t, err)
	return svc, store
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = New(Options{Store: memory.NewKLineStore(0), Resolutions: []domain.Resolution{"3s"}})
	assert.ErrorIs(t, err, storage.ErrUnknownResolution)

	svc, err := New(Options{Store: memory.NewKLineStore(0)})
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultResolutions(), svc.Resolutions())
}

func TestProcessTrade_AllResolutions(t *testing.T) {
	clock := newTestClock(hourStart + 100)
	svc, _ := newTestService(t, clock, nil)
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1.0, 10, hourStart+100)))
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1.4, 5, hourStart+100)))

	for _, res := range domain.DefaultResolutions() {
		k, ok := svc.Latest(ctx, "tok", res)
		require.True(t, ok, res)
		assert.Equal(t, 1.0, k.Open, res)
		assert.Equal(t, 1.4, k.Close, res)
		assert.Equal(t, 15.0, k.Volume, res)
	}

	price, ok := svc.CurrentPrice(ctx, "tok")
	require.True(t, ok)
	assert.Equal(t, 1.4, price)
}

func TestProcessTrade_Rejects(t *testing.T) {
	clock := newTestClock(hourStart)
	svc, _ := newTestService(t, clock, nil)

	assert.ErrorIs(t, svc.ProcessTrade(context.Background(), nil), storage.ErrInvalidInput)
	assert.ErrorIs(t, svc.ProcessTrade(context.Background(), newTrade("tok", -1, 1, hourStart)), storage.ErrInvalidInput)

	failing, err := New(Options{Store: failingStore{}, History: memory.NewHistoryStore(), Clock: clock.Now})
	require.NoError(t, err)
	assert.Error(t, failing.ProcessTrade(context.Background(), newTrade("tok", 1, 1, hourStart)))
	assert.Zero(t, failing.tracker.dirtyCount(), "failed trades are not marked for flush")
}

func TestCurrentPrice_Fallback(t *testing.T) {
	clock := newTestClock(hourStart + 100)
	svc, _ := newTestService(t, clock, nil)
	ctx := context.Background()

	// Offset 95: the 1s and 5s buckets have moved on, 15s [90,105) is current.
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("a", 2.0, 1, hourStart+95)))
	price, ok := svc.CurrentPrice(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, 2.0, price)

	// Offset 40: only 5m and coarser contain now.
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("b", 3.0, 1, hourStart+40)))
	_, ok = svc.Latest(ctx, "b", domain.Resolution1m)
	assert.False(t, ok)
	price, ok = svc.CurrentPrice(ctx, "b")
	require.True(t, ok)
	assert.Equal(t, 3.0, price)

	// Previous hour: nothing current.
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("c", 4.0, 1, hourStart-10)))
	_, ok = svc.CurrentPrice(ctx, "c")
	assert.False(t, ok)

	_, ok = svc.CurrentPrice(ctx, "unknown")
	assert.False(t, ok)
}

func TestFlush_ClosedBucketsOnly(t *testing.T) {
	clock := newTestClock(hourStart + 30)
	history := memory.NewHistoryStore()
	svc, _ := newTestService(t, clock, history, domain.Resolution1m)
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1.0, 10, hourStart+10)))

	// Bucket [0,60) still open
	n, err := svc.Flush(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Set(hourStart + 60)
	n, err = svc.Flush(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := svc.QueryHistorical(ctx, "tok", domain.Resolution1m, hourStart, hourStart)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 10.0, rows[0].Volume)

	// Clean bucket is not re-flushed
	n, err = svc.Flush(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFlush_RepeatedFlushWritesOnlyDelta(t *testing.T) {
	clock := newTestClock(hourStart + 61)
	history := memory.NewHistoryStore()
	svc, _ := newTestService(t, clock, history, domain.Resolution1m)
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1.0, 10, hourStart+5)))
	_, err := svc.Flush(ctx, false)
	require.NoError(t, err)

	// Late trade for the same closed bucket
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 2.0, 7, hourStart+50)))
	n, err := svc.Flush(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rows, err := svc.QueryHistorical(ctx, "tok", domain.Resolution1m, hourStart, hourStart)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 17.0, rows[0].Volume)
	assert.Equal(t, 1.0, rows[0].Open)
	assert.Equal(t, 2.0, rows[0].High)
	assert.Equal(t, 2.0, rows[0].Close)
}

func TestFlush_FailureKeepsBucketDirty(t *testing.T) {
	clock := newTestClock(hourStart + 120)
	history := &flakyHistory{HistoryStore: memory.NewHistoryStore(), failures: 1}
	svc, _ := newTestService(t, clock, history, domain.Resolution1m)
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1.0, 3, hourStart)))

	_, err := svc.Flush(ctx, false)
	require.Error(t, err)
	assert.Equal(t, 1, svc.tracker.dirtyCount())

	n, err := svc.Flush(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, svc.tracker.dirtyCount())

	rows, _ := svc.QueryHistorical(ctx, "tok", domain.Resolution1m, hourStart, hourStart)
	require.Len(t, rows, 1)
	assert.Equal(t, 3.0, rows[0].Volume)
	assert.Equal(t, 2, history.calls)
}

func TestStartStop_FinalFlushIncludesOpenBuckets(t *testing.T) {
	clock := newTestClock(hourStart + 1)
	history := memory.NewHistoryStore()
	svc, _ := newTestService(t, clock, history, domain.Resolution1s, domain.Resolution1m)
	ctx := context.Background()

	svc.Start(ctx)
	svc.Start(ctx) // idempotent

	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1.0, 4, hourStart+1)))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(stopCtx))

	for _, res := range []domain.Resolution{domain.Resolution1s, domain.Resolution1m} {
		rows, err := history.Range(ctx, "tok", res, hourStart, hourStart+1)
		require.NoError(t, err)
		require.Len(t, rows, 1, res)
		assert.Equal(t, 4.0, rows[0].Volume, res)
	}
}

func TestStop_WithoutHistory(t *testing.T) {
	clock := newTestClock(hourStart)
	svc, _ := newTestService(t, clock, nil)
	svc.Start(context.Background())
	assert.NoError(t, svc.Stop(context.Background()))
}

func TestGetAll_LiveWins(t *testing.T) {
	clock := newTestClock(hourStart + 200)
	history := memory.NewHistoryStore()
	svc, _ := newTestService(t, clock, history, domain.Resolution1m)
	ctx := context.Background()

	require.NoError(t, history.MergeBatch(ctx, []*domain.KLine{
		{TokenAddress: "tok", Resolution: domain.Resolution1m, BucketStart: hourStart, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1},
		{TokenAddress: "tok", Resolution: domain.Resolution1m, BucketStart: hourStart + 60, Open: 9, High: 9, Low: 9, Close: 9, Volume: 9},
	}))
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 2, 2, hourStart+61)))
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 3, 3, hourStart+125)))

	all, err := svc.GetAll(ctx, "tok", domain.Resolution1m, hourStart, hourStart+180)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, hourStart, all[0].BucketStart)
	assert.Equal(t, 2.0, all[1].Close, "live bucket replaces the historical one")
	assert.Equal(t, hourStart+120, all[2].BucketStart)

	series, err := svc.Series(ctx, "tok", domain.Resolution1m, 3)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, hourStart+60, series[0].BucketStart)
}

func TestDirtyTracker_AckKeepsConcurrentMark(t *testing.T) {
	tr := newDirtyTracker(time.Hour)
	now := time.Unix(hourStart+100, 0)

	tr.mark("tok", domain.Resolution1m, hourStart, now)
	items := tr.collect(now, false)
	require.Len(t, items, 1)

	// A trade lands between snapshot and ack
	tr.mark("tok", domain.Resolution1m, hourStart, now)
	tr.ack(items[0], 10)
	assert.Equal(t, 1, tr.dirtyCount())

	items = tr.collect(now, false)
	require.Len(t, items, 1)
	assert.Equal(t, 10.0, items[0].flushedVolume)
	tr.ack(items[0], 12)
	assert.Zero(t, tr.dirtyCount())

	// Idle clean entries expire
	assert.Empty(t, tr.collect(now.Add(2*time.Hour), true))
	assert.Empty(t, tr.entries)
}

func TestRebuild_FromTradeLog(t *testing.T) {
	store := memory.NewKLineStore(time.Hour)
	svc, err := New(Options{
		Store:       store,
		Trades:      store,
		Resolutions: []domain.Resolution{domain.Resolution1m},
		Logger:      zaptest.NewLogger(t),
		Clock:       newTestClock(hourStart + 3000).Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 1, 10, hourStart+10)))
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 3, 5, hourStart+1000)))
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("tok", 2, 1, hourStart+2000)))
	require.NoError(t, svc.ProcessTrade(ctx, newTrade("other", 7, 1, hourStart+20)))

	// 1h is not maintained live but can be rebuilt from the log.
	klines, err := svc.Rebuild(ctx, "tok", domain.Resolution1h, hourStart, hourStart)
	require.NoError(t, err)
	require.Len(t, klines, 1)
	k := klines[0]
	assert.Equal(t, hourStart, k.BucketStart)
	assert.Equal(t, 1.0, k.Open)
	assert.Equal(t, 3.0, k.High)
	assert.Equal(t, 1.0, k.Low)
	assert.Equal(t, 2.0, k.Close)
	assert.Equal(t, 16.0, k.Volume)

	_, err = svc.Rebuild(ctx, "tok", "3s", hourStart, hourStart)
	assert.ErrorIs(t, err, storage.ErrUnknownResolution)
}

func TestRebuild_NoTradeLog(t *testing.T) {
	svc, _ := newTestService(t, newTestClock(hourStart), nil)
	_, err := svc.Rebuild(context.Background(), "tok", domain.Resolution1m, hourStart, hourStart+60)
	assert.ErrorIs(t, err, ErrNoTradeLog)
}

func TestEventClock(t *testing.T) {
	clock := NewEventClock()
	assert.WithinDuration(t, time.Now(), clock.Now(), time.Minute, "unset clock follows wall time")

	clock.Advance(hourStart + 10)
	clock.Advance(hourStart + 5) // out of order
	assert.Equal(t, hourStart+10, clock.Now().Unix())
}

func TestSeries_EventClock(t *testing.T) {
	clock := NewEventClock()
	svc, err := New(Options{
		Store:       memory.NewKLineStore(time.Hour),
		Resolutions: []domain.Resolution{domain.Resolution1s},
		Logger:      zaptest.NewLogger(t),
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	ctx := context.Background()

	for i := int64(0); i < 30; i++ {
		tr := newTrade("tok", 1+float64(i)/100, 10, hourStart+i)
		clock.Advance(tr.Timestamp)
		require.NoError(t, svc.ProcessTrade(ctx, tr))
	}

	klines, err := svc.Series(ctx, "tok", domain.Resolution1s, 300)
	require.NoError(t, err)
	assert.Len(t, klines, 30)

	price, ok := svc.CurrentPrice(ctx, "tok")
	require.True(t, ok)
	assert.InDelta(t, 1.29, price, 1e-9)
}
