// Package feed decodes venue events from an upstream listener. Events arrive
// as JSON envelopes over a WebSocket or from a JSON-lines file.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"solana-kline-engine/internal/domain"
)

// TypeHolding tags a wallet holding observation.
const TypeHolding = "holding"

// Decode errors
var (
	ErrMalformed   = errors.New("feed: malformed envelope")
	ErrUnknownType = errors.New("feed: unknown envelope type")
)

// Envelope is the wire format of one feed message:
//
//	{"type":"pumpfun_trade","slot":123,"data":{...}}
type Envelope struct {
	Type string          `json:"type"`
	Slot int64           `json:"slot"`
	Data json.RawMessage `json:"data"`
}

// Holding reports that Wallet holds Amount of Token. The orchestrator uses
// it to start tracking a wallet for exits.
type Holding struct {
	Wallet domain.PublicKey `json:"wallet"`
	Token  domain.PublicKey `json:"token"`
	Amount float64          `json:"amount"`
}

// Message is a decoded envelope. Exactly one of Event and Holding is set.
type Message struct {
	Slot    int64
	Event   domain.VenueEvent
	Holding *Holding
}

// Type returns the envelope type of m.
func (m Message) Type() string {
	if m.Holding != nil {
		return TypeHolding
	}
	if m.Event != nil {
		return string(m.Event.Kind())
	}
	return ""
}

// Source produces messages until ctx is done or the source is exhausted.
// Run closes nothing; the caller owns out.
type Source interface {
	Run(ctx context.Context, out chan<- Message) error
}

// Decode parses one envelope.
func Decode(raw []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(env.Data) == 0 {
		return Message{}, fmt.Errorf("%w: missing data", ErrMalformed)
	}

	msg := Message{Slot: env.Slot}
	var target any
	switch env.Type {
	case string(domain.VenueKindPumpFunTrade):
		ev := &domain.PumpFunTradeEvent{}
		msg.Event, target = ev, ev
	case string(domain.VenueKindPumpSwapBuy):
		ev := &domain.PumpSwapBuyEvent{}
		msg.Event, target = ev, ev
	case string(domain.VenueKindPumpSwapSell):
		ev := &domain.PumpSwapSellEvent{}
		msg.Event, target = ev, ev
	case TypeHolding:
		h := &Holding{}
		msg.Holding, target = h, h
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(env.Data, target); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// Encode builds the envelope for m. It is the inverse of Decode.
func Encode(m Message) ([]byte, error) {
	var data any
	switch {
	case m.Holding != nil:
		data = m.Holding
	case m.Event != nil:
		data = m.Event
	default:
		return nil, fmt.Errorf("%w: empty message", ErrMalformed)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type(), err)
	}
	return json.Marshal(Envelope{Type: m.Type(), Slot: m.Slot, Data: raw})
}
