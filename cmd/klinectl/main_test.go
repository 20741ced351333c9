package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/feed"
)

func TestParseTime(t *testing.T) {
	n, err := parseTime("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), n)

	n, err = parseTime("2023-11-14T22:13:20Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), n)

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
}

type fakePoints struct {
	k     *domain.KLine
	price float64
}

func (f fakePoints) Latest(context.Context, string, domain.Resolution) (*domain.KLine, bool) {
	return f.k, f.k != nil
}

func (f fakePoints) CurrentPrice(context.Context, string) (float64, bool) {
	return f.price, f.price > 0
}

func TestLatestView(t *testing.T) {
	ctx := context.Background()

	empty := latestView(ctx, fakePoints{}, "tok", domain.Resolution5s)
	assert.Nil(t, empty.KLine)
	assert.Nil(t, empty.CurrentPrice)
	raw, err := json.Marshal(empty)
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"tok","resolution":"5s","kline":null,"currentPrice":null}`, string(raw))

	k := &domain.KLine{TokenAddress: "tok", Resolution: domain.Resolution5s, Close: 1.25}
	view := latestView(ctx, fakePoints{k: k, price: 1.25}, "tok", domain.Resolution5s)
	require.NotNil(t, view.CurrentPrice)
	assert.Equal(t, 1.25, *view.CurrentPrice)
	assert.Same(t, k, view.KLine)
}

func TestCountTrue(t *testing.T) {
	assert.Equal(t, 0, countTrue(false, false))
	assert.Equal(t, 2, countTrue(true, false, true))
}

func key(b byte) domain.PublicKey {
	var pk domain.PublicKey
	for i := range pk {
		pk[i] = b
	}
	return pk
}

var (
	replayToken  = key(1)
	replayWallet = key(2)
	replayTrader = key(3)
)

func replayTrade(price float64, slot, ts int64) feed.Message {
	return feed.Message{Slot: slot, Event: &domain.PumpFunTradeEvent{
		Mint:        replayToken,
		User:        replayTrader,
		SolAmount:   1_000_000_000,
		TokenAmount: 1_000,
		IsBuy:       true,
		Price:       price,
		Timestamp:   ts,
	}}
}

func writeEvents(t *testing.T, msgs []feed.Message) string {
	t.Helper()
	var buf bytes.Buffer
	for _, m := range msgs {
		raw, err := feed.Encode(m)
		require.NoError(t, err)
		buf.Write(raw)
		buf.WriteByte('\n')
	}
	path := filepath.Join(t.TempDir(), "events.jsonl")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

type replayEntry struct {
	Result domain.StrategyResult `json:"result"`
}

type replayRecord struct {
	Kind  string             `json:"kind"`
	Entry *replayEntry       `json:"entry"`
	Exit  *domain.ExitSignal `json:"exit"`
}

func readRecords(t *testing.T, out string) []replayRecord {
	t.Helper()
	var recs []replayRecord
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		var rec replayRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		recs = append(recs, rec)
	}
	return recs
}

func TestRunReplay_StopLoss(t *testing.T) {
	path := writeEvents(t, []feed.Message{
		replayTrade(1.0, 1, 1_700_000_000),
		{Slot: 2, Holding: &feed.Holding{Wallet: replayWallet, Token: replayToken, Amount: 500}},
		replayTrade(0.5, 3, 1_700_000_001),
	})

	var out bytes.Buffer
	require.NoError(t, runReplay(context.Background(), []string{"-file", path}, &out))

	var actions []string
	for _, rec := range readRecords(t, out.String()) {
		if rec.Kind == "exit" {
			require.NotNil(t, rec.Exit)
			actions = append(actions, string(rec.Exit.Action))
		}
	}
	assert.Equal(t, []string{string(domain.ExitActionStopLoss)}, actions)
}

const breakoutConfig = `
strategies:
  - kind: breakout_high
    resolution: 1s
    lookback: 8
    confirmation: 2
    volume_factor: 0.0
    min_pullback_percent: 5
`

func TestRunReplay_DetectorUsesEventTime(t *testing.T) {
	// Uptrend, pullback to 1.0, then two closes above the 1.5 high.
	prices := []float64{1.0, 1.2, 1.5, 1.4, 1.3, 1.2, 1.1, 1.0, 1.6, 1.7, 1.8}
	msgs := make([]feed.Message, 0, len(prices))
	for i, p := range prices {
		msgs = append(msgs, replayTrade(p, int64(i+1), 1_700_000_000+int64(i)))
	}
	path := writeEvents(t, msgs)

	cfgPath := filepath.Join(t.TempDir(), "klined.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(breakoutConfig), 0o644))

	var out bytes.Buffer
	require.NoError(t, runReplay(context.Background(), []string{"-config", cfgPath, "-file", path}, &out))

	var detectors []string
	for _, rec := range readRecords(t, out.String()) {
		if rec.Kind == "entry" {
			require.NotNil(t, rec.Entry)
			detectors = append(detectors, rec.Entry.Result.Detector)
		}
	}
	require.NotEmpty(t, detectors, "breakout fires on historical timestamps")
	assert.Equal(t, "breakout_high", detectors[0])
}

func TestRunReplay_RequiresFile(t *testing.T) {
	err := runReplay(context.Background(), nil, &bytes.Buffer{})
	assert.Error(t, err)
}
