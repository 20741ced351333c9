package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
)

// setupTestRedis starts a Redis container and returns a connected client.
func setupTestRedis(t *testing.T) (*Client, func()) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections").
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("6379/tcp"),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client, err := NewClient(ctx, fmt.Sprintf("redis://%s:%s/0", host, port.Port()))
	require.NoError(t, err)

	cleanup := func() {
		client.Close()
		_ = container.Terminate(ctx)
	}

	return client, cleanup
}

func testTrade(price float64, amount uint64, ts, slot int64, user string) *domain.Trade {
	return &domain.Trade{
		TokenAddress: "So1anaMint",
		Price:        price,
		Amount:       amount,
		SolAmount:    500_000_000,
		IsBuy:        true,
		User:         user,
		Timestamp:    ts,
		Slot:         slot,
		Venue:        domain.VenuePumpSwap,
	}
}

func TestKLineStore_ApplyTradeAndGet(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKLineStore(client, Options{})
	ctx := context.Background()

	prices := []float64{0.0000021, 0.0000035, 0.0000019, 0.0000027}
	for i, p := range prices {
		err := store.ApplyTrade(ctx, testTrade(p, 1_000, 120+int64(i), 500, "alice"), domain.DefaultResolutions())
		require.NoError(t, err)
	}

	k, err := store.Get(ctx, "So1anaMint", domain.Resolution1m, 120)
	require.NoError(t, err)
	assert.Equal(t, 0.0000021, k.Open)
	assert.Equal(t, 0.0000035, k.High)
	assert.Equal(t, 0.0000019, k.Low)
	assert.Equal(t, 0.0000027, k.Close)
	assert.Equal(t, 4_000.0, k.Volume)
	assert.Equal(t, domain.VenuePumpSwap, k.Venue)

	// TTL set on write
	ttl, err := client.TTL(ctx, domain.BucketKey("So1anaMint", domain.Resolution1m, 120)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 3*time.Hour)
}

func TestKLineStore_GetNotFound(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKLineStore(client, Options{})
	_, err := store.Get(context.Background(), "missing", domain.Resolution1s, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKLineStore_RangeUsesIndex(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKLineStore(client, Options{})
	ctx := context.Background()

	for _, ts := range []int64{10, 11, 13, 20} {
		require.NoError(t, store.ApplyTrade(ctx, testTrade(1, 1, ts, ts, "alice"), []domain.Resolution{domain.Resolution1s}))
	}

	// Expire one bucket out from under the index
	require.NoError(t, client.Del(ctx, domain.BucketKey("So1anaMint", domain.Resolution1s, 11)).Err())

	klines, err := store.Range(ctx, "So1anaMint", domain.Resolution1s, 10, 13)
	require.NoError(t, err)
	require.Len(t, klines, 2)
	assert.Equal(t, int64(10), klines[0].BucketStart)
	assert.Equal(t, int64(13), klines[1].BucketStart)

	// Stale member pruned
	members, err := client.ZRange(ctx, indexKey("So1anaMint", domain.Resolution1s), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"10", "13", "20"}, members)
}

func TestKLineStore_TradeLog(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKLineStore(client, Options{})
	ctx := context.Background()

	res := []domain.Resolution{domain.Resolution1s}
	require.NoError(t, store.ApplyTrade(ctx, testTrade(1, 1, 100, 40, "alice"), res))
	require.NoError(t, store.ApplyTrade(ctx, testTrade(2, 1, 101, 41, "bob"), res))
	require.NoError(t, store.ApplyTrade(ctx, testTrade(3, 1, 102, 42, "carol"), res))
	require.NoError(t, store.ApplyTrade(ctx, testTrade(4, 1, 90, 39, "alice"), res))

	trades, err := store.TokenTrades(ctx, "So1anaMint", 95, 101)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, "alice", trades[0].User)
	assert.Equal(t, uint64(500_000_000), trades[0].SolAmount)
	assert.True(t, trades[0].IsBuy)
	assert.Equal(t, "bob", trades[1].User)

	userTrades, err := store.UserTrades(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, userTrades, 2)
	assert.Equal(t, int64(90), userTrades[0].Timestamp)

	wallets, err := store.WalletsInSlots(ctx, 40, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, wallets)

	wallets, err = store.WalletsInSlots(ctx, 40, "OtherMint")
	require.NoError(t, err)
	assert.Empty(t, wallets)
}

func TestKLineStore_WalletsInSlotsRewrittenTrade(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKLineStore(client, Options{})
	ctx := context.Background()

	res := []domain.Resolution{domain.Resolution1s}
	require.NoError(t, store.ApplyTrade(ctx, testTrade(1, 1, 100, 40, "alice"), res))
	// Same token, second and wallet: the key is rewritten with the new slot.
	require.NoError(t, store.ApplyTrade(ctx, testTrade(1, 1, 100, 60, "alice"), res))

	wallets, err := store.WalletsInSlots(ctx, 40, "")
	require.NoError(t, err)
	assert.Empty(t, wallets)

	wallets, err = store.WalletsInSlots(ctx, 59, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, wallets)
}

func TestKLineStore_ScriptCacheFlushed(t *testing.T) {
	client, cleanup := setupTestRedis(t)
	defer cleanup()

	store := NewKLineStore(client, Options{})
	ctx := context.Background()

	require.NoError(t, store.ApplyTrade(ctx, testTrade(1, 5, 7, 1, "alice"), []domain.Resolution{domain.Resolution1s}))
	require.NoError(t, client.ScriptFlush(ctx).Err())
	require.NoError(t, store.ApplyTrade(ctx, testTrade(2, 5, 7, 1, "alice"), []domain.Resolution{domain.Resolution1s}))

	k, err := store.Get(ctx, "So1anaMint", domain.Resolution1s, 7)
	require.NoError(t, err)
	assert.Equal(t, 10.0, k.Volume)
	assert.Equal(t, 2.0, k.Close)
}

func TestKLineStore_RejectsInvalid(t *testing.T) {
	store := NewKLineStore(nil, Options{})
	ctx := context.Background()

	err := store.ApplyTrade(ctx, testTrade(0, 1, 1, 1, "alice"), domain.DefaultResolutions())
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	err = store.ApplyTrade(ctx, testTrade(1, 1, 1, 1, "alice"), []domain.Resolution{"9s"})
	assert.ErrorIs(t, err, storage.ErrUnknownResolution)
}
