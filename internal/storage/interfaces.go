package storage

import (
	"context"
	"strconv"

	"solana-kline-engine/internal/domain"
)

// KLineStore provides access to live K-line buckets.
// Buckets expire after the store's retention window; every write refreshes it.
type KLineStore interface {
	// Upsert folds a trade into one bucket: open first writer wins,
	// high/low running max/min, close last arrival, volume accumulates.
	Upsert(ctx context.Context, token string, res domain.Resolution, bucketStart int64, t *domain.Trade) error

	// ApplyTrade upserts the trade into every resolution and records it in
	// the trade log, as a single batch.
	ApplyTrade(ctx context.Context, t *domain.Trade, resolutions []domain.Resolution) error

	// Get retrieves one bucket. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, token string, res domain.Resolution, bucketStart int64) (*domain.KLine, error)

	// Range retrieves buckets with start in [start, end] (inclusive), ordered by bucket start ASC.
	Range(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error)
}

// TradeLog provides access to recently recorded trades.
type TradeLog interface {
	// TokenTrades retrieves trades for a token with timestamp in [start, end]
	// (inclusive), ordered by timestamp ASC.
	TokenTrades(ctx context.Context, token string, start, end int64) ([]*domain.Trade, error)

	// UserTrades retrieves all retained trades of a wallet, ordered by timestamp ASC.
	UserTrades(ctx context.Context, user string) ([]*domain.Trade, error)

	// WalletsInSlots returns the distinct wallets that traded in slot or slot+1.
	// An empty token matches every token.
	WalletsInSlots(ctx context.Context, slot int64, token string) ([]string, error)
}

// LiveStore is a K-line store that also keeps the trade log.
type LiveStore interface {
	KLineStore
	TradeLog
}

// HistoryStore provides access to durable kline_<resolution> tables.
type HistoryStore interface {
	// MergeBatch folds deltas into persisted rows: open kept from the first
	// insert, max high, min low, close replaced, volume added.
	MergeBatch(ctx context.Context, deltas []*domain.KLine) error

	// Range retrieves rows with bucket in [start, end] (inclusive), ordered by bucket ASC.
	Range(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error)
}

// TradeKey identifies a trade in the log. A wallet trading the same token
// twice within one second keeps only the later trade.
func TradeKey(t *domain.Trade) string {
	return "trade:" + t.TokenAddress + ":" + strconv.FormatInt(t.Timestamp, 10) + ":" + t.User
}
