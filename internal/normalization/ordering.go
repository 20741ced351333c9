package normalization

import (
	"sort"

	"solana-kline-engine/internal/domain"
)

// SortTrades orders trades by (timestamp ASC, slot ASC, user ASC).
// Slots are only an ordering hint across venues, so wall-clock time leads.
func SortTrades(trades []*domain.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		return compareTrades(trades[i], trades[j]) < 0
	})
}

// compareTrades returns:
//   - negative if a < b
//   - zero if a == b
//   - positive if a > b
func compareTrades(a, b *domain.Trade) int {
	if a.Timestamp != b.Timestamp {
		if a.Timestamp < b.Timestamp {
			return -1
		}
		return 1
	}
	if a.Slot != b.Slot {
		if a.Slot < b.Slot {
			return -1
		}
		return 1
	}
	if a.User != b.User {
		if a.User < b.User {
			return -1
		}
		return 1
	}
	return 0
}

// SortKLines orders K-lines by bucket start ascending.
func SortKLines(klines []*domain.KLine) {
	sort.Slice(klines, func(i, j int) bool {
		return klines[i].BucketStart < klines[j].BucketStart
	})
}
