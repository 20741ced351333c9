package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
)

// DefaultRetention is the TTL applied to buckets, indices and trade records.
const DefaultRetention = 4 * time.Hour

// Options configures a KLineStore.
type Options struct {
	Retention      time.Duration // bucket TTL, refreshed on write
	TradeRetention time.Duration // trade record TTL; defaults to Retention
}

// KLineStore implements storage.LiveStore using Redis hashes.
//
// Layout:
//   - kline:{token}:{res}:{bucket}   hash (open, high, low, close, volume, token_address, timestamp, platform, resolution)
//   - kline-index:{token}:{res}      sorted set of bucket starts
//   - trade:{token}:{ts}:{user}      hash of the trade
//   - trades:slot|user|token:{id}    sets of trade keys
type KLineStore struct {
	client         goredis.UniversalClient
	retention      time.Duration
	tradeRetention time.Duration
}

// NewKLineStore creates a new KLineStore.
func NewKLineStore(client goredis.UniversalClient, opts Options) *KLineStore {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.TradeRetention <= 0 {
		opts.TradeRetention = opts.Retention
	}
	return &KLineStore{
		client:         client,
		retention:      opts.Retention,
		tradeRetention: opts.TradeRetention,
	}
}

// Compile-time interface check.
var _ storage.LiveStore = (*KLineStore)(nil)

func indexKey(token string, res domain.Resolution) string {
	return "kline-index:" + token + ":" + string(res)
}

func slotSetKey(slot int64) string   { return "trades:slot:" + strconv.FormatInt(slot, 10) }
func userSetKey(user string) string  { return "trades:user:" + user }
func tokenSetKey(token string) string { return "trades:token:" + token }

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Upsert folds a trade into one bucket.
func (s *KLineStore) Upsert(ctx context.Context, token string, res domain.Resolution, bucketStart int64, t *domain.Trade) error {
	if err := storage.ValidateTrade(t); err != nil {
		return err
	}
	if token == "" {
		return storage.ErrInvalidInput
	}
	if !res.Valid() {
		return storage.ErrUnknownResolution
	}

	return s.exec(ctx, func(pipe goredis.Pipeliner) {
		s.queueUpsert(ctx, pipe, token, res, bucketStart, t)
	})
}

// ApplyTrade runs every resolution upsert and the trade record in one MULTI/EXEC.
func (s *KLineStore) ApplyTrade(ctx context.Context, t *domain.Trade, resolutions []domain.Resolution) error {
	if err := storage.ValidateTrade(t); err != nil {
		return err
	}
	for _, res := range resolutions {
		if !res.Valid() {
			return storage.ErrUnknownResolution
		}
	}

	return s.exec(ctx, func(pipe goredis.Pipeliner) {
		for _, res := range resolutions {
			s.queueUpsert(ctx, pipe, t.TokenAddress, res, res.BucketStart(t.Timestamp), t)
		}
		s.queueTrade(ctx, pipe, t)
	})
}

// exec runs a transactional pipeline. The upsert script is sent by SHA; if
// the server lost its script cache the script is loaded and the batch replayed once.
// Every upsert fails together on NOSCRIPT and the trade record commands are
// idempotent, so the replay cannot double count.
func (s *KLineStore) exec(ctx context.Context, queue func(pipe goredis.Pipeliner)) error {
	run := func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			queue(pipe)
			return nil
		})
		return err
	}

	err := run()
	if err != nil && isNoScript(err) {
		if loadErr := upsertScript.Load(ctx, s.client).Err(); loadErr != nil {
			return fmt.Errorf("load upsert script: %w", loadErr)
		}
		err = run()
	}
	if err != nil {
		return fmt.Errorf("redis upsert pipeline: %w", err)
	}
	return nil
}

func isNoScript(err error) bool {
	return strings.Contains(err.Error(), "NOSCRIPT")
}

func (s *KLineStore) queueUpsert(ctx context.Context, pipe goredis.Pipeliner, token string, res domain.Resolution, bucketStart int64, t *domain.Trade) {
	upsertScript.EvalSha(ctx, pipe,
		[]string{domain.BucketKey(token, res, bucketStart), indexKey(token, res)},
		formatFloat(t.Price),
		strconv.FormatUint(t.Amount, 10),
		int64(s.retention.Seconds()),
		token,
		bucketStart,
		string(t.Venue),
		string(res),
	)
}

func (s *KLineStore) queueTrade(ctx context.Context, pipe goredis.Pipeliner, t *domain.Trade) {
	key := storage.TradeKey(t)
	ttl := s.tradeRetention

	pipe.HSet(ctx, key, map[string]any{
		"token_address":          t.TokenAddress,
		"price":                  formatFloat(t.Price),
		"amount":                 strconv.FormatUint(t.Amount, 10),
		"sol_amount":             strconv.FormatUint(t.SolAmount, 10),
		"is_buy":                 strconv.FormatBool(t.IsBuy),
		"user":                   t.User,
		"timestamp":              strconv.FormatInt(t.Timestamp, 10),
		"slot":                   strconv.FormatInt(t.Slot, 10),
		"virtual_sol_reserves":   strconv.FormatUint(t.VirtualSolReserves, 10),
		"real_sol_reserves":      strconv.FormatUint(t.RealSolReserves, 10),
		"virtual_token_reserves": strconv.FormatUint(t.VirtualTokenReserves, 10),
		"real_token_reserves":    strconv.FormatUint(t.RealTokenReserves, 10),
		"platform":               string(t.Venue),
	})
	pipe.Expire(ctx, key, ttl)

	for _, set := range []string{slotSetKey(t.Slot), userSetKey(t.User), tokenSetKey(t.TokenAddress)} {
		pipe.SAdd(ctx, set, key)
		pipe.Expire(ctx, set, ttl)
	}
}

// Get retrieves one bucket. Returns ErrNotFound if absent or expired.
func (s *KLineStore) Get(ctx context.Context, token string, res domain.Resolution, bucketStart int64) (*domain.KLine, error) {
	fields, err := s.client.HGetAll(ctx, domain.BucketKey(token, res, bucketStart)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall kline: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}
	return parseKLine(fields, token, res, bucketStart)
}

// Range retrieves buckets with start in [start, end], ordered by bucket start ASC.
// Index members whose bucket has expired are pruned.
func (s *KLineStore) Range(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	idx := indexKey(token, res)
	members, err := s.client.ZRangeByScore(ctx, idx, &goredis.ZRangeBy{
		Min: strconv.FormatInt(start, 10),
		Max: strconv.FormatInt(end, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore %s: %w", idx, err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	starts := make([]int64, 0, len(members))
	for _, m := range members {
		bs, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse index member %q: %w", m, err)
		}
		starts = append(starts, bs)
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(starts))
	for i, bs := range starts {
		cmds[i] = pipe.HGetAll(ctx, domain.BucketKey(token, res, bs))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}

	var (
		result []*domain.KLine
		stale  []any
	)
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, members[i])
			continue
		}
		k, err := parseKLine(fields, token, res, starts[i])
		if err != nil {
			return nil, err
		}
		result = append(result, k)
	}

	if len(stale) > 0 {
		// Best effort; a failed prune only costs an extra lookup next time.
		_ = s.client.ZRem(ctx, idx, stale...).Err()
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].BucketStart < result[j].BucketStart
	})
	return result, nil
}

func parseKLine(fields map[string]string, token string, res domain.Resolution, bucketStart int64) (*domain.KLine, error) {
	k := &domain.KLine{
		TokenAddress: token,
		Resolution:   res,
		BucketStart:  bucketStart,
		Venue:        domain.Venue(fields["platform"]),
	}

	targets := []struct {
		name string
		dst  *float64
	}{
		{"open", &k.Open},
		{"high", &k.High},
		{"low", &k.Low},
		{"close", &k.Close},
		{"volume", &k.Volume},
	}
	for _, f := range targets {
		raw, ok := fields[f.name]
		if !ok {
			return nil, fmt.Errorf("kline %s missing field %s", domain.BucketKey(token, res, bucketStart), f.name)
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parse kline field %s: %w", f.name, err)
		}
		*f.dst = v
	}

	return k, nil
}

// TokenTrades retrieves trades for a token with timestamp in [start, end], ordered by timestamp ASC.
func (s *KLineStore) TokenTrades(ctx context.Context, token string, start, end int64) ([]*domain.Trade, error) {
	trades, err := s.tradesInSets(ctx, tokenSetKey(token))
	if err != nil {
		return nil, err
	}

	result := trades[:0]
	for _, t := range trades {
		if t.Timestamp >= start && t.Timestamp <= end {
			result = append(result, t)
		}
	}
	sortTrades(result)
	return result, nil
}

// UserTrades retrieves all retained trades of a wallet, ordered by timestamp ASC.
func (s *KLineStore) UserTrades(ctx context.Context, user string) ([]*domain.Trade, error) {
	trades, err := s.tradesInSets(ctx, userSetKey(user))
	if err != nil {
		return nil, err
	}
	sortTrades(trades)
	return trades, nil
}

// WalletsInSlots returns the distinct wallets that traded in slot or slot+1, sorted.
func (s *KLineStore) WalletsInSlots(ctx context.Context, slot int64, token string) ([]string, error) {
	trades, err := s.tradesInSets(ctx, slotSetKey(slot), slotSetKey(slot+1))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, t := range trades {
		// A rewritten trade key leaves its old slot set pointing at it.
		if t.Slot != slot && t.Slot != slot+1 {
			continue
		}
		if token != "" && t.TokenAddress != token {
			continue
		}
		if t.User != "" {
			seen[t.User] = struct{}{}
		}
	}

	wallets := make([]string, 0, len(seen))
	for w := range seen {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	return wallets, nil
}

// tradesInSets loads the union of trade keys in the given index sets.
// Expired trade hashes are skipped.
func (s *KLineStore) tradesInSets(ctx context.Context, sets ...string) ([]*domain.Trade, error) {
	keys, err := s.client.SUnion(ctx, sets...).Result()
	if err != nil {
		return nil, fmt.Errorf("sunion trade index: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("fetch trades: %w", err)
	}

	trades := make([]*domain.Trade, 0, len(keys))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		t, err := parseTrade(fields)
		if err != nil {
			return nil, fmt.Errorf("parse trade %s: %w", keys[i], err)
		}
		trades = append(trades, t)
	}
	return trades, nil
}

func parseTrade(f map[string]string) (*domain.Trade, error) {
	var (
		t   domain.Trade
		err error
	)
	t.TokenAddress = f["token_address"]
	t.User = f["user"]
	t.Venue = domain.Venue(f["platform"])
	t.IsBuy = f["is_buy"] == "true"

	if t.Price, err = strconv.ParseFloat(f["price"], 64); err != nil {
		return nil, fmt.Errorf("price: %w", err)
	}
	if t.Timestamp, err = strconv.ParseInt(f["timestamp"], 10, 64); err != nil {
		return nil, fmt.Errorf("timestamp: %w", err)
	}
	if t.Slot, err = strconv.ParseInt(f["slot"], 10, 64); err != nil {
		return nil, fmt.Errorf("slot: %w", err)
	}

	uints := []struct {
		name string
		dst  *uint64
	}{
		{"amount", &t.Amount},
		{"sol_amount", &t.SolAmount},
		{"virtual_sol_reserves", &t.VirtualSolReserves},
		{"real_sol_reserves", &t.RealSolReserves},
		{"virtual_token_reserves", &t.VirtualTokenReserves},
		{"real_token_reserves", &t.RealTokenReserves},
	}
	for _, u := range uints {
		raw, ok := f[u.name]
		if !ok || raw == "" {
			continue
		}
		if *u.dst, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("%s: %w", u.name, err)
		}
	}

	return &t, nil
}

func sortTrades(trades []*domain.Trade) {
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].Timestamp != trades[j].Timestamp {
			return trades[i].Timestamp < trades[j].Timestamp
		}
		return trades[i].Slot < trades[j].Slot
	})
}
