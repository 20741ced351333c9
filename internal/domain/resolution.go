package domain

import (
	"fmt"
	"time"
)

// Resolution is a K-line bucket width.
type Resolution string

const (
	Resolution1s  Resolution = "1s"
	Resolution5s  Resolution = "5s"
	Resolution15s Resolution = "15s"
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution15m Resolution = "15m"
	Resolution1h  Resolution = "1h"
	Resolution4h  Resolution = "4h"
	Resolution1d  Resolution = "1d"
)

var resolutionPeriods = map[Resolution]time.Duration{
	Resolution1s:  time.Second,
	Resolution5s:  5 * time.Second,
	Resolution15s: 15 * time.Second,
	Resolution1m:  time.Minute,
	Resolution5m:  5 * time.Minute,
	Resolution15m: 15 * time.Minute,
	Resolution1h:  time.Hour,
	Resolution4h:  4 * time.Hour,
	Resolution1d:  24 * time.Hour,
}

// AllResolutions returns every supported resolution, finest first.
func AllResolutions() []Resolution {
	return []Resolution{
		Resolution1s, Resolution5s, Resolution15s,
		Resolution1m, Resolution5m, Resolution15m,
		Resolution1h, Resolution4h, Resolution1d,
	}
}

// DefaultResolutions returns the resolutions maintained for every trade.
func DefaultResolutions() []Resolution {
	return []Resolution{
		Resolution1s, Resolution5s, Resolution15s,
		Resolution1m, Resolution5m, Resolution15m,
		Resolution1h,
	}
}

// PriceFallbackOrder is the lookup order for the current price of a token.
// Finer buckets are only populated for tokens that traded in the current
// second, so coarser ones are consulted next.
func PriceFallbackOrder() []Resolution {
	return []Resolution{
		Resolution1s, Resolution5s, Resolution15s,
		Resolution1m, Resolution5m, Resolution15m,
		Resolution1h,
	}
}

// ParseResolution converts a string like "15s" into a Resolution.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resolution %q", s)
	}
	return r, nil
}

// String returns the string representation of Resolution.
func (r Resolution) String() string {
	return string(r)
}

// Valid checks if the resolution is one of the supported values.
func (r Resolution) Valid() bool {
	_, ok := resolutionPeriods[r]
	return ok
}

// Period returns the bucket width. Zero for unknown resolutions.
func (r Resolution) Period() time.Duration {
	return resolutionPeriods[r]
}

// Seconds returns the bucket width in seconds.
func (r Resolution) Seconds() int64 {
	return int64(r.Period() / time.Second)
}

// BucketStart truncates a unix timestamp (seconds) to the start of its bucket.
// Buckets are aligned to UTC boundaries, so 15m buckets start at :00/:15/:30/:45.
func (r Resolution) BucketStart(ts int64) int64 {
	period := r.Seconds()
	if period <= 0 {
		return ts
	}
	start := (ts / period) * period
	if ts < 0 && ts%period != 0 {
		start -= period
	}
	return start
}

// BucketEnd returns the exclusive end of the bucket starting at bucketStart.
func (r Resolution) BucketEnd(bucketStart int64) int64 {
	return bucketStart + r.Seconds()
}

// TableName returns the durable table holding this resolution.
func (r Resolution) TableName() string {
	return "kline_" + string(r)
}
