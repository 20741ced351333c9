package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolution_BucketStart(t *testing.T) {
	// 2024-03-09T16:47:38Z
	ts := time.Date(2024, 3, 9, 16, 47, 38, 0, time.UTC).Unix()

	tests := []struct {
		res  Resolution
		want time.Time
	}{
		{Resolution1s, time.Date(2024, 3, 9, 16, 47, 38, 0, time.UTC)},
		{Resolution5s, time.Date(2024, 3, 9, 16, 47, 35, 0, time.UTC)},
		{Resolution15s, time.Date(2024, 3, 9, 16, 47, 30, 0, time.UTC)},
		{Resolution1m, time.Date(2024, 3, 9, 16, 47, 0, 0, time.UTC)},
		{Resolution5m, time.Date(2024, 3, 9, 16, 45, 0, 0, time.UTC)},
		{Resolution15m, time.Date(2024, 3, 9, 16, 45, 0, 0, time.UTC)},
		{Resolution1h, time.Date(2024, 3, 9, 16, 0, 0, 0, time.UTC)},
		{Resolution4h, time.Date(2024, 3, 9, 16, 0, 0, 0, time.UTC)},
		{Resolution1d, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.res.String(), func(t *testing.T) {
			got := tt.res.BucketStart(ts)
			assert.Equal(t, tt.want.Unix(), got)
			assert.Equal(t, got, tt.res.BucketStart(got), "bucket start must be idempotent")
			assert.Equal(t, got+tt.res.Seconds(), tt.res.BucketEnd(got))
		})
	}
}

func TestResolution_BucketStartIdempotentAcrossRange(t *testing.T) {
	for _, res := range AllResolutions() {
		for ts := int64(1_700_000_000); ts < 1_700_000_000+3*86400; ts += 317 {
			start := res.BucketStart(ts)
			require.LessOrEqual(t, start, ts)
			require.Greater(t, start+res.Seconds(), ts)
			require.Equal(t, start, res.BucketStart(start))
		}
	}
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("15m")
	require.NoError(t, err)
	assert.Equal(t, Resolution15m, r)
	assert.Equal(t, 15*time.Minute, r.Period())
	assert.Equal(t, "kline_15m", r.TableName())

	_, err = ParseResolution("2m")
	assert.Error(t, err)
	assert.False(t, Resolution("2m").Valid())
	assert.Equal(t, int64(42), Resolution("2m").BucketStart(42))
}

func TestDefaultResolutions(t *testing.T) {
	assert.Len(t, DefaultResolutions(), 7)
	assert.Equal(t, Resolution1s, PriceFallbackOrder()[0])
	assert.Equal(t, Resolution1h, PriceFallbackOrder()[len(PriceFallbackOrder())-1])
}

func TestBucketKey(t *testing.T) {
	assert.Equal(t, "kline:Mint111:1m:1700000040", BucketKey("Mint111", Resolution1m, 1700000040))
	assert.NotEqual(t, BucketKey("a", Resolution1s, 10), BucketKey("a", Resolution5s, 10))
}
