package domain

// Venue identifies the market a trade happened on.
type Venue string

const (
	VenuePumpFun  Venue = "pumpfun"
	VenuePumpSwap Venue = "pumpswap"
)

// String returns the string representation of Venue.
func (v Venue) String() string {
	return string(v)
}

// IsValid checks if the venue is a valid value.
func (v Venue) IsValid() bool {
	return v == VenuePumpFun || v == VenuePumpSwap
}
