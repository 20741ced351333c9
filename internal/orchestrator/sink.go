package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
)

// EntrySignal is a triggered detector result for one trade.
type EntrySignal struct {
	Token  string                `json:"token"`
	Slot   int64                 `json:"slot"`
	Price  float64               `json:"price"`
	Result domain.StrategyResult `json:"result"`
}

// SignalSink receives every signal the orchestrator produces.
// Calls come from a single goroutine.
type SignalSink interface {
	Entry(ctx context.Context, sig EntrySignal)
	Exit(ctx context.Context, sig domain.ExitSignal)
}

// EntryClearer drops a tracked entry once its position is fully sold.
type EntryClearer interface {
	ClearEntryPrice(token, wallet string)
}

// IsFullExit reports whether sig sells the whole position.
func IsFullExit(sig domain.ExitSignal) bool {
	return sig.Action.ClosesPosition() || sig.SellPercentage >= 100
}

// LogSink logs signals. After a full exit it clears the entry, standing in
// for an executor that has sold everything.
type LogSink struct {
	logger  *zap.Logger
	clearer EntryClearer
}

// NewLogSink creates a LogSink. clearer may be nil.
func NewLogSink(logger *zap.Logger, clearer EntryClearer) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "signals")), clearer: clearer}
}

// Entry logs a triggered detector result.
func (s *LogSink) Entry(_ context.Context, sig EntrySignal) {
	s.logger.Info("entry opportunity",
		zap.String("detector", sig.Result.Detector),
		zap.String("token", sig.Token),
		zap.Int64("slot", sig.Slot),
		zap.Float64("price", sig.Price),
		zap.String("message", sig.Result.Message),
		zap.Any("data", sig.Result.Data))
}

// Exit logs the signal and clears the entry when the position is fully sold.
func (s *LogSink) Exit(_ context.Context, sig domain.ExitSignal) {
	s.logger.Info("sell",
		zap.String("action", string(sig.Action)),
		zap.String("token", sig.TokenAddress),
		zap.String("wallet", sig.Wallet),
		zap.Int64("slot", sig.Slot),
		zap.Float64("price", sig.CurrentPrice),
		zap.Float64("pnl_percent", sig.PnLPercent),
		zap.Float64("sell_percent", sig.SellPercentage),
		zap.Float64("token_amount", sig.TokenAmount),
		zap.String("message", sig.Message))
	if s.clearer != nil && IsFullExit(sig) {
		s.clearer.ClearEntryPrice(sig.TokenAddress, sig.Wallet)
	}
}

// JSONSink writes one JSON object per signal to w.
type JSONSink struct {
	mu      sync.Mutex
	enc     *json.Encoder
	clearer EntryClearer
	logger  *zap.Logger
}

// jsonRecord is the line format written by JSONSink.
type jsonRecord struct {
	Kind  string             `json:"kind"` // entry or exit
	Entry *EntrySignal       `json:"entry,omitempty"`
	Exit  *domain.ExitSignal `json:"exit,omitempty"`
}

// NewJSONSink creates a JSONSink writing to w. clearer may be nil.
func NewJSONSink(w io.Writer, clearer EntryClearer, logger *zap.Logger) *JSONSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONSink{enc: json.NewEncoder(w), clearer: clearer, logger: logger}
}

// Entry writes an "entry" record.
func (s *JSONSink) Entry(_ context.Context, sig EntrySignal) {
	s.write(jsonRecord{Kind: "entry", Entry: &sig})
}

// Exit writes an "exit" record and clears the entry on a full exit.
func (s *JSONSink) Exit(_ context.Context, sig domain.ExitSignal) {
	s.write(jsonRecord{Kind: "exit", Exit: &sig})
	if s.clearer != nil && IsFullExit(sig) {
		s.clearer.ClearEntryPrice(sig.TokenAddress, sig.Wallet)
	}
}

func (s *JSONSink) write(r jsonRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		s.logger.Error("write signal", zap.String("kind", r.Kind), zap.Error(err))
	}
}

var (
	_ SignalSink = (*LogSink)(nil)
	_ SignalSink = (*JSONSink)(nil)
)
