package clickhouse

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
)

// KLineHistoryStore implements storage.HistoryStore using ReplacingMergeTree
// kline_<resolution> tables. Merges are read-modify-write: the current row
// is read with FINAL, merged in process and re-inserted with a higher
// version. A single writer per table is assumed.
type KLineHistoryStore struct {
	conn *Conn

	mu          sync.Mutex
	lastVersion uint64
}

// NewKLineHistoryStore creates a new KLineHistoryStore.
func NewKLineHistoryStore(conn *Conn) *KLineHistoryStore {
	return &KLineHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.HistoryStore = (*KLineHistoryStore)(nil)

// nextVersion returns a strictly increasing row version.
func (s *KLineHistoryStore) nextVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := uint64(time.Now().UnixNano())
	if v <= s.lastVersion {
		v = s.lastVersion + 1
	}
	s.lastVersion = v
	return v
}

// MergeBatch folds deltas into persisted rows, one insert per resolution.
func (s *KLineHistoryStore) MergeBatch(ctx context.Context, deltas []*domain.KLine) error {
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

	byRes := make(map[domain.Resolution][]*domain.KLine)
	for _, d := range deltas {
		byRes[d.Resolution] = append(byRes[d.Resolution], d)
	}

	// Deterministic table order
	resolutions := make([]domain.Resolution, 0, len(byRes))
	for res := range byRes {
		resolutions = append(resolutions, res)
	}
	sort.Slice(resolutions, func(i, j int) bool {
		return resolutions[i].Period() < resolutions[j].Period()
	})

	for _, res := range resolutions {
		if err := s.mergeResolution(ctx, res, byRes[res]); err != nil {
			return err
		}
	}
	return nil
}

func (s *KLineHistoryStore) mergeResolution(ctx context.Context, res domain.Resolution, deltas []*domain.KLine) error {
	merged, err := s.loadExisting(ctx, res, deltas)
	if err != nil {
		return err
	}

	for _, d := range deltas {
		key := d.Key()
		if existing, ok := merged[key]; ok {
			existing.Merge(d)
			continue
		}
		merged[key] = d.Clone()
	}

	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf(`
		INSERT INTO %s (
			token_address, bucket, open, high, low, close, volume, platform, version
		)
	`, res.TableName()))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	version := s.nextVersion()
	for _, k := range merged {
		err = batch.Append(
			k.TokenAddress, time.Unix(k.BucketStart, 0).UTC(),
			k.Open, k.High, k.Low, k.Close, k.Volume,
			string(k.Venue), version,
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// loadExisting reads the current rows touched by deltas, one bounded scan per token.
func (s *KLineHistoryStore) loadExisting(ctx context.Context, res domain.Resolution, deltas []*domain.KLine) (map[string]*domain.KLine, error) {
	type span struct{ min, max int64 }
	spans := make(map[string]*span)
	for _, d := range deltas {
		sp, ok := spans[d.TokenAddress]
		if !ok {
			spans[d.TokenAddress] = &span{min: d.BucketStart, max: d.BucketStart}
			continue
		}
		if d.BucketStart < sp.min {
			sp.min = d.BucketStart
		}
		if d.BucketStart > sp.max {
			sp.max = d.BucketStart
		}
	}

	wanted := make(map[string]struct{}, len(deltas))
	for _, d := range deltas {
		wanted[d.Key()] = struct{}{}
	}

	existing := make(map[string]*domain.KLine)
	for token, sp := range spans {
		rows, err := s.Range(ctx, token, res, sp.min, sp.max)
		if err != nil {
			return nil, fmt.Errorf("load existing: %w", err)
		}
		for _, k := range rows {
			if _, ok := wanted[k.Key()]; ok {
				existing[k.Key()] = k
			}
		}
	}
	return existing, nil
}

// Range retrieves rows with bucket in [start, end] (inclusive), ordered by bucket ASC.
func (s *KLineHistoryStore) Range(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	if !res.Valid() {
		return nil, storage.ErrUnknownResolution
	}

	query := fmt.Sprintf(`
		SELECT bucket, open, high, low, close, volume, platform
		FROM %s FINAL
		WHERE token_address = ? AND bucket >= ? AND bucket <= ?
		ORDER BY bucket ASC
	`, res.TableName())

	rows, err := s.conn.Query(ctx, query, token, time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", res.TableName(), err)
	}
	defer rows.Close()

	var result []*domain.KLine
	for rows.Next() {
		var (
			bucket   time.Time
			platform string
		)
		k := &domain.KLine{TokenAddress: token, Resolution: res}
		if err := rows.Scan(&bucket, &k.Open, &k.High, &k.Low, &k.Close, &k.Volume, &platform); err != nil {
			return nil, fmt.Errorf("scan kline: %w", err)
		}
		k.BucketStart = bucket.Unix()
		k.Venue = domain.Venue(platform)
		result = append(result, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate klines: %w", err)
	}

	return result, nil
}
