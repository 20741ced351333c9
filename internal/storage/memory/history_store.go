package memory

import (
	"context"
	"sort"
	"sync"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
)

// HistoryStore is an in-memory implementation of storage.HistoryStore.
type HistoryStore struct {
	mu   sync.RWMutex
	data map[string]*domain.KLine // keyed by domain.BucketKey
}

// NewHistoryStore creates a new in-memory history store.
func NewHistoryStore() *HistoryStore {
	return &HistoryStore{
		data: make(map[string]*domain.KLine),
	}
}

// MergeBatch folds deltas into stored rows. Validates the whole batch first.
func (s *HistoryStore) MergeBatch(_ context.Context, deltas []*domain.KLine) error {
	if len(deltas) == 0 {
		return nil
	}

	for _, d := range deltas {
		if d == nil || d.TokenAddress == "" {
			return storage.ErrInvalidInput
		}
		if !d.Resolution.Valid() {
			return storage.ErrUnknownResolution
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, d := range deltas {
		key := d.Key()
		if existing, ok := s.data[key]; ok {
			existing.Merge(d)
			continue
		}
		s.data[key] = d.Clone()
	}

	return nil
}

// Range retrieves rows with bucket in [start, end], ordered by bucket ASC.
func (s *HistoryStore) Range(_ context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.KLine
	for _, k := range s.data {
		if k.TokenAddress == token && k.Resolution == res && k.BucketStart >= start && k.BucketStart <= end {
			result = append(result, k.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketStart < result[j].BucketStart
	})

	return result, nil
}

var _ storage.HistoryStore = (*HistoryStore)(nil)
