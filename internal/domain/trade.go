package domain

// Lamport and token scale factors.
const (
	LamportsPerSol = 1_000_000_000
	TokenDecimals  = 6
)

// Trade is the canonical trade record produced by the normalizer.
// Immutable once created.
type Trade struct {
	TokenAddress string  `json:"tokenAddress"` // token mint
	Price        float64 `json:"price"`        // quote (SOL) per base token
	Amount       uint64  `json:"amount"`       // base-asset amount in raw units
	SolAmount    uint64  `json:"solAmount"`    // quote amount in lamports
	IsBuy        bool    `json:"isBuy"`
	User         string  `json:"user"`      // trading wallet
	Timestamp    int64   `json:"timestamp"` // unix seconds
	Slot         int64   `json:"slot"`      // ordering hint, not strictly increasing across venues

	VirtualSolReserves   uint64 `json:"virtualSolReserves,omitempty"`
	RealSolReserves      uint64 `json:"realSolReserves,omitempty"`
	VirtualTokenReserves uint64 `json:"virtualTokenReserves,omitempty"`
	RealTokenReserves    uint64 `json:"realTokenReserves,omitempty"`

	Venue Venue `json:"platform"`
}

// SolAmountUI returns the quote amount in SOL.
func (t *Trade) SolAmountUI() float64 {
	return float64(t.SolAmount) / LamportsPerSol
}
