// Package cache holds the first-seen trade price per token.
//
// The exit engine needs an entry price as soon as a holding is observed,
// which can be before any K-line exists for the token. The first price
// saved for a token is kept for the life of the process.
package cache

import (
	"sync"

	"go.uber.org/zap"
)

// TradeCache is a single-assignment token -> price map. Safe for concurrent use.
type TradeCache struct {
	mu     sync.RWMutex
	prices map[string]float64
	logger *zap.Logger
}

// NewTradeCache creates an empty cache. A nil logger disables logging.
func NewTradeCache(logger *zap.Logger) *TradeCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TradeCache{
		prices: make(map[string]float64),
		logger: logger,
	}
}

// Save records price for token unless one is already present.
// Non-positive prices are ignored. Reports whether the price was stored.
func (c *TradeCache) Save(token string, price float64) bool {
	if token == "" || !(price > 0) {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.prices[token]; ok {
		return false
	}
	c.prices[token] = price
	c.logger.Debug("cached first trade price",
		zap.String("token", token),
		zap.Float64("price", price))
	return true
}

// Get returns the cached price for token.
func (c *TradeCache) Get(token string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[token]
	return p, ok
}

// Len returns the number of cached tokens.
func (c *TradeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
