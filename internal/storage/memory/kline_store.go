package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
)

// DefaultRetention is how long buckets and trades live after their last write.
const DefaultRetention = 4 * time.Hour

// KLineStore is an in-memory implementation of storage.LiveStore.
// Expired entries are invisible to reads and reclaimed by Sweep.
type KLineStore struct {
	mu             sync.RWMutex
	retention      time.Duration
	tradeRetention time.Duration
	now            func() time.Time

	buckets map[string]*bucketEntry          // keyed by domain.BucketKey
	index   map[seriesKey]map[int64]struct{} // bucket starts per (token, resolution)

	trades  map[string]*tradeEntry // keyed by storage.TradeKey
	byToken map[string]map[string]struct{}
	byUser  map[string]map[string]struct{}
	bySlot  map[int64]map[string]struct{}
}

type seriesKey struct {
	token string
	res   domain.Resolution
}

type bucketEntry struct {
	kline     *domain.KLine
	expiresAt time.Time
}

type tradeEntry struct {
	trade     *domain.Trade
	expiresAt time.Time
}

// Option configures a KLineStore.
type Option func(*KLineStore)

// WithClock overrides the wall clock used for expiry.
func WithClock(now func() time.Time) Option {
	return func(s *KLineStore) { s.now = now }
}

// WithTradeRetention sets the trade log retention. Defaults to the bucket retention.
func WithTradeRetention(d time.Duration) Option {
	return func(s *KLineStore) { s.tradeRetention = d }
}

// NewKLineStore creates a new in-memory K-line store.
// A non-positive retention selects DefaultRetention.
func NewKLineStore(retention time.Duration, opts ...Option) *KLineStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &KLineStore{
		retention: retention,
		now:       time.Now,
		buckets:   make(map[string]*bucketEntry),
		index:     make(map[seriesKey]map[int64]struct{}),
		trades:    make(map[string]*tradeEntry),
		byToken:   make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		bySlot:    make(map[int64]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.tradeRetention <= 0 {
		s.tradeRetention = s.retention
	}
	return s
}

// Upsert folds a trade into one bucket.
func (s *KLineStore) Upsert(_ context.Context, token string, res domain.Resolution, bucketStart int64, t *domain.Trade) error {
	if err := storage.ValidateTrade(t); err != nil {
		return err
	}
	if token == "" {
		return storage.ErrInvalidInput
	}
	if !res.Valid() {
		return storage.ErrUnknownResolution
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.upsertLocked(token, res, bucketStart, t, s.now())
	return nil
}

// ApplyTrade upserts every resolution and records the trade in one critical section.
func (s *KLineStore) ApplyTrade(_ context.Context, t *domain.Trade, resolutions []domain.Resolution) error {
	if err := storage.ValidateTrade(t); err != nil {
		return err
	}
	for _, res := range resolutions {
		if !res.Valid() {
			return storage.ErrUnknownResolution
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for _, res := range resolutions {
		s.upsertLocked(t.TokenAddress, res, res.BucketStart(t.Timestamp), t, now)
	}
	s.recordLocked(t, now)
	return nil
}

func (s *KLineStore) upsertLocked(token string, res domain.Resolution, bucketStart int64, t *domain.Trade, now time.Time) {
	key := domain.BucketKey(token, res, bucketStart)

	e, ok := s.buckets[key]
	if ok && now.Before(e.expiresAt) {
		e.kline.Apply(t)
	} else {
		k := domain.NewKLine(t, res)
		k.TokenAddress = token
		k.BucketStart = bucketStart
		e = &bucketEntry{kline: k}
		s.buckets[key] = e
	}
	e.expiresAt = now.Add(s.retention)

	sk := seriesKey{token: token, res: res}
	starts, ok := s.index[sk]
	if !ok {
		starts = make(map[int64]struct{})
		s.index[sk] = starts
	}
	starts[bucketStart] = struct{}{}
}

func (s *KLineStore) recordLocked(t *domain.Trade, now time.Time) {
	key := storage.TradeKey(t)
	if prev, ok := s.trades[key]; ok {
		// Same key, different slot: drop the stale slot index entry.
		if prev.trade.Slot != t.Slot {
			removeFromSet(s.bySlot, prev.trade.Slot, key)
		}
	}

	tradeCopy := *t
	s.trades[key] = &tradeEntry{trade: &tradeCopy, expiresAt: now.Add(s.tradeRetention)}

	addToSet(s.byToken, t.TokenAddress, key)
	addToSet(s.byUser, t.User, key)
	addToSet(s.bySlot, t.Slot, key)
}

// Get retrieves one bucket. Returns ErrNotFound if absent or expired.
func (s *KLineStore) Get(_ context.Context, token string, res domain.Resolution, bucketStart int64) (*domain.KLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.buckets[domain.BucketKey(token, res, bucketStart)]
	if !ok || !s.now().Before(e.expiresAt) {
		return nil, storage.ErrNotFound
	}
	return e.kline.Clone(), nil
}

// Range retrieves buckets with start in [start, end], ordered by bucket start ASC.
func (s *KLineStore) Range(_ context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var result []*domain.KLine
	for bucketStart := range s.index[seriesKey{token: token, res: res}] {
		if bucketStart < start || bucketStart > end {
			continue
		}
		e, ok := s.buckets[domain.BucketKey(token, res, bucketStart)]
		if !ok || !now.Before(e.expiresAt) {
			continue
		}
		result = append(result, e.kline.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketStart < result[j].BucketStart
	})

	return result, nil
}

// TokenTrades retrieves trades for a token with timestamp in [start, end], ordered by timestamp ASC.
func (s *KLineStore) TokenTrades(_ context.Context, token string, start, end int64) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var result []*domain.Trade
	for key := range s.byToken[token] {
		e, ok := s.trades[key]
		if !ok || !now.Before(e.expiresAt) {
			continue
		}
		if e.trade.Timestamp < start || e.trade.Timestamp > end {
			continue
		}
		tradeCopy := *e.trade
		result = append(result, &tradeCopy)
	}

	sortTrades(result)
	return result, nil
}

// UserTrades retrieves all retained trades of a wallet, ordered by timestamp ASC.
func (s *KLineStore) UserTrades(_ context.Context, user string) ([]*domain.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	var result []*domain.Trade
	for key := range s.byUser[user] {
		e, ok := s.trades[key]
		if !ok || !now.Before(e.expiresAt) {
			continue
		}
		tradeCopy := *e.trade
		result = append(result, &tradeCopy)
	}

	sortTrades(result)
	return result, nil
}

// WalletsInSlots returns the distinct wallets that traded in slot or slot+1, sorted.
func (s *KLineStore) WalletsInSlots(_ context.Context, slot int64, token string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	seen := make(map[string]struct{})
	for _, sl := range []int64{slot, slot + 1} {
		for key := range s.bySlot[sl] {
			e, ok := s.trades[key]
			if !ok || !now.Before(e.expiresAt) {
				continue
			}
			if token != "" && e.trade.TokenAddress != token {
				continue
			}
			if e.trade.User != "" {
				seen[e.trade.User] = struct{}{}
			}
		}
	}

	wallets := make([]string, 0, len(seen))
	for w := range seen {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	return wallets, nil
}

// Sweep removes expired buckets and trades. Returns the number of removed entries.
func (s *KLineStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0

	for key, e := range s.buckets {
		if now.Before(e.expiresAt) {
			continue
		}
		delete(s.buckets, key)
		k := e.kline
		sk := seriesKey{token: k.TokenAddress, res: k.Resolution}
		if starts, ok := s.index[sk]; ok {
			delete(starts, k.BucketStart)
			if len(starts) == 0 {
				delete(s.index, sk)
			}
		}
		removed++
	}

	for key, e := range s.trades {
		if now.Before(e.expiresAt) {
			continue
		}
		delete(s.trades, key)
		removeFromSet(s.byToken, e.trade.TokenAddress, key)
		removeFromSet(s.byUser, e.trade.User, key)
		removeFromSet(s.bySlot, e.trade.Slot, key)
		removed++
	}

	return removed
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (s *KLineStore) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of stored buckets, expired ones included.
func (s *KLineStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

func addToSet[K comparable](sets map[K]map[string]struct{}, k K, member string) {
	set, ok := sets[k]
	if !ok {
		set = make(map[string]struct{})
		sets[k] = set
	}
	set[member] = struct{}{}
}

func removeFromSet[K comparable](sets map[K]map[string]struct{}, k K, member string) {
	set, ok := sets[k]
	if !ok {
		return
	}
	delete(set, member)
	if len(set) == 0 {
		delete(sets, k)
	}
}

func sortTrades(trades []*domain.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].Timestamp != trades[j].Timestamp {
			return trades[i].Timestamp < trades[j].Timestamp
		}
		return trades[i].Slot < trades[j].Slot
	})
}

var _ storage.LiveStore = (*KLineStore)(nil)
