package normalization

import (
	"sort"

	"solana-kline-engine/internal/domain"
)

// AggregateKLines folds a batch of trades into K-lines for one resolution.
// Trades are applied in their given order, so callers wanting chain order
// should SortTrades first. Output is ordered by (token, bucket start).
//
// Bucket alignment: floor(timestamp / period) * period
// Aggregation per (token, bucket):
//   - open  = price of the first trade
//   - high  = MAX(price), low = MIN(price)
//   - close = price of the last trade
//   - volume = SUM(amount)
func AggregateKLines(trades []*domain.Trade, res domain.Resolution) []*domain.KLine {
	if len(trades) == 0 || !res.Valid() {
		return nil
	}

	// Map: token -> bucketStart -> kline
	buckets := make(map[string]map[int64]*domain.KLine)

	for _, t := range trades {
		start := res.BucketStart(t.Timestamp)

		tokenBuckets, ok := buckets[t.TokenAddress]
		if !ok {
			tokenBuckets = make(map[int64]*domain.KLine)
			buckets[t.TokenAddress] = tokenBuckets
		}

		k, ok := tokenBuckets[start]
		if !ok {
			tokenBuckets[start] = domain.NewKLine(t, res)
			continue
		}
		k.Apply(t)
	}

	var result []*domain.KLine
	for _, tokenBuckets := range buckets {
		for _, k := range tokenBuckets {
			result = append(result, k)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].TokenAddress != result[j].TokenAddress {
			return result[i].TokenAddress < result[j].TokenAddress
		}
		return result[i].BucketStart < result[j].BucketStart
	})

	return result
}
