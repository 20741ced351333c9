package strategy

import (
	"errors"
	"testing"

	"solana-kline-engine/internal/domain"
)

func testDeps() Deps {
	return Deps{KLines: &fakeKLines{}, Trades: &fakeTrades{}}
}

func TestFromConfig_PullbackBuyDefaults(t *testing.T) {
	d, err := FromConfig(Config{Kind: KindPullbackBuy}, testDeps())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	pb, ok := d.(*PullbackBuy)
	if !ok {
		t.Fatalf("expected *PullbackBuy, got %T", d)
	}
	if got := pb.Params(); got != DefaultPullbackBuyParams() {
		t.Errorf("expected defaults, got %+v", got)
	}
	if pb.Name() != "pullback_buy" {
		t.Errorf("unexpected name %s", pb.Name())
	}
}

func TestFromConfig_PullbackBuyOverrides(t *testing.T) {
	cfg := Config{
		Kind:            KindPullbackBuy,
		Resolution:      "5s",
		Window:          ptrInt(40),
		Uptrend:         ptrInt(5),
		PullbackPercent: ptrFloat(20),
		MinSolAmount:    ptrFloat(0.1),
		MaxSolAmount:    ptrFloat(1),
	}

	d, err := FromConfig(cfg, testDeps())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}
	p := d.(*PullbackBuy).Params()
	if p.Resolution != domain.Resolution5s {
		t.Errorf("expected 5s, got %s", p.Resolution)
	}
	if p.Window != 40 || p.Uptrend != 5 || p.PullbackPercent != 20 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.MinBuyOrders != 3 {
		t.Errorf("expected default MinBuyOrders 3, got %d", p.MinBuyOrders)
	}
}

func TestFromConfig_BreakoutHigh(t *testing.T) {
	d, err := FromConfig(Config{Kind: KindBreakoutHigh, Confirmation: ptrInt(3)}, testDeps())
	if err != nil {
		t.Fatalf("FromConfig failed: %v", err)
	}

	bh, ok := d.(*BreakoutHigh)
	if !ok {
		t.Fatalf("expected *BreakoutHigh, got %T", d)
	}
	p := bh.Params()
	if p.Confirmation != 3 {
		t.Errorf("expected 3, got %d", p.Confirmation)
	}
	if p.Lookback != 24 || p.VolumeFactor != 1.5 || p.MinPullbackPercent != 5 {
		t.Errorf("expected defaults, got %+v", p)
	}
}

func TestFromConfig_InvalidParams(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		expectedErr error
	}{
		{
			name:        "pullback zero uptrend",
			cfg:         Config{Kind: KindPullbackBuy, Uptrend: ptrInt(0)},
			expectedErr: ErrInvalidUptrend,
		},
		{
			name:        "pullback negative percent",
			cfg:         Config{Kind: KindPullbackBuy, PullbackPercent: ptrFloat(-1)},
			expectedErr: ErrInvalidPercent,
		},
		{
			name:        "pullback inverted sol range",
			cfg:         Config{Kind: KindPullbackBuy, MinSolAmount: ptrFloat(3), MaxSolAmount: ptrFloat(1)},
			expectedErr: ErrInvalidSolRange,
		},
		{
			name:        "pullback window below uptrend",
			cfg:         Config{Kind: KindPullbackBuy, Window: ptrInt(4)},
			expectedErr: ErrInvalidWindow,
		},
		{
			name:        "unknown resolution",
			cfg:         Config{Kind: KindPullbackBuy, Resolution: "2s"},
			expectedErr: ErrInvalidResolution,
		},
		{
			name:        "breakout zero confirmation",
			cfg:         Config{Kind: KindBreakoutHigh, Confirmation: ptrInt(0)},
			expectedErr: ErrInvalidConfirmation,
		},
		{
			name:        "breakout lookback too short",
			cfg:         Config{Kind: KindBreakoutHigh, Lookback: ptrInt(7)},
			expectedErr: ErrInvalidLookback,
		},
		{
			name:        "breakout negative volume factor",
			cfg:         Config{Kind: KindBreakoutHigh, VolumeFactor: ptrFloat(-0.5)},
			expectedErr: ErrInvalidVolumeFactor,
		},
		{
			name:        "breakout window below lookback",
			cfg:         Config{Kind: KindBreakoutHigh, Window: ptrInt(10)},
			expectedErr: ErrInvalidWindow,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromConfig(tt.cfg, testDeps())
			if !errors.Is(err, tt.expectedErr) {
				t.Errorf("expected %v, got %v", tt.expectedErr, err)
			}
		})
	}
}

func TestFromConfig_UnknownKind(t *testing.T) {
	_, err := FromConfig(Config{Kind: "UNKNOWN"}, testDeps())
	if !errors.Is(err, ErrUnknownDetectorKind) {
		t.Errorf("expected ErrUnknownDetectorKind, got %v", err)
	}
}

func TestFromConfig_MissingSources(t *testing.T) {
	_, err := FromConfig(Config{Kind: KindPullbackBuy}, Deps{KLines: &fakeKLines{}})
	if !errors.Is(err, ErrMissingSources) {
		t.Errorf("expected ErrMissingSources, got %v", err)
	}
}

func TestFromConfigs_ReportsIndex(t *testing.T) {
	cfgs := []Config{{Kind: KindPullbackBuy}, {Kind: "bogus"}}
	_, err := FromConfigs(cfgs, testDeps())
	if !errors.Is(err, ErrUnknownDetectorKind) {
		t.Fatalf("expected ErrUnknownDetectorKind, got %v", err)
	}
	if got := err.Error(); got[:13] != "strategies[1]" {
		t.Errorf("expected index prefix, got %q", got)
	}

	ds, err := FromConfigs(cfgs[:1], testDeps())
	if err != nil || len(ds) != 1 {
		t.Fatalf("expected one detector, got %d (%v)", len(ds), err)
	}
}

// Helper functions
func ptrFloat(f float64) *float64 {
	return &f
}

func ptrInt(i int) *int {
	return &i
}
