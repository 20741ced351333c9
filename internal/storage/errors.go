package storage

import (
	"errors"

	"solana-kline-engine/internal/domain"
)

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested bucket or trade does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownResolution is returned for a resolution without a period or table.
	ErrUnknownResolution = errors.New("unknown resolution")
)

// ValidateTrade rejects trades no backend can bucket.
func ValidateTrade(t *domain.Trade) error {
	if t == nil || t.TokenAddress == "" || t.Price <= 0 {
		return ErrInvalidInput
	}
	return nil
}
