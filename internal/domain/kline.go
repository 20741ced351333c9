package domain

import "strconv"

// KLine is one OHLCV aggregate for a (token, resolution, bucket).
// Corresponds to kline_<resolution> tables in PostgreSQL / ClickHouse.
type KLine struct {
	TokenAddress string     `json:"tokenAddress"` // token mint
	Resolution   Resolution `json:"resolution"`   // bucket width
	BucketStart  int64      `json:"timestamp"`    // bucket start, unix seconds (UTC aligned)
	Open         float64    `json:"open"`         // first price seen in the bucket
	High         float64    `json:"high"`         // running max
	Low          float64    `json:"low"`          // running min
	Close        float64    `json:"close"`        // last price by arrival order
	Volume       float64    `json:"volume"`       // accumulated base-asset amount
	Venue        Venue      `json:"platform"`     // venue of the last contributing trade
}

// BucketKey identifies a K-line bucket. It is the only place bucket keys are built.
func BucketKey(token string, res Resolution, bucketStart int64) string {
	return "kline:" + token + ":" + string(res) + ":" + strconv.FormatInt(bucketStart, 10)
}

// NewKLine opens a bucket with its first trade.
func NewKLine(t *Trade, res Resolution) *KLine {
	return &KLine{
		TokenAddress: t.TokenAddress,
		Resolution:   res,
		BucketStart:  res.BucketStart(t.Timestamp),
		Open:         t.Price,
		High:         t.Price,
		Low:          t.Price,
		Close:        t.Price,
		Volume:       float64(t.Amount),
		Venue:        t.Venue,
	}
}

// Apply folds a trade into the bucket: open stays, high/low are running
// max/min, close is the latest arrival, volume accumulates.
func (k *KLine) Apply(t *Trade) {
	if t.Price > k.High {
		k.High = t.Price
	}
	if t.Price < k.Low {
		k.Low = t.Price
	}
	k.Close = t.Price
	k.Volume += float64(t.Amount)
	k.Venue = t.Venue
}

// Merge folds a persisted delta into an existing aggregate the way the
// durable stores do: open kept, max high, min low, close replaced, volume added.
func (k *KLine) Merge(delta *KLine) {
	if delta.High > k.High {
		k.High = delta.High
	}
	if delta.Low < k.Low {
		k.Low = delta.Low
	}
	k.Close = delta.Close
	k.Volume += delta.Volume
	k.Venue = delta.Venue
}

// Key returns the bucket key of this K-line.
func (k *KLine) Key() string {
	return BucketKey(k.TokenAddress, k.Resolution, k.BucketStart)
}

// Clone returns a copy.
func (k *KLine) Clone() *KLine {
	cp := *k
	return &cp
}
