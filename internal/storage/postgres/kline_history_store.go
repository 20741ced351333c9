package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/storage"
)

// KLineHistoryStore implements storage.HistoryStore using the kline_<resolution> tables.
type KLineHistoryStore struct {
	pool *Pool
}

// NewKLineHistoryStore creates a new KLineHistoryStore.
func NewKLineHistoryStore(pool *Pool) *KLineHistoryStore {
	return &KLineHistoryStore{pool: pool}
}

// Compile-time interface check.
var _ storage.HistoryStore = (*KLineHistoryStore)(nil)

// mergeQuery folds a delta into a row. open is only written by the first insert.
// Table names come from domain.Resolution.TableName, never from user input.
func mergeQuery(table string) string {
	return fmt.Sprintf(`
		INSERT INTO %[1]s AS t (
			token_address, bucket, open, high, low, close, volume, platform
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (token_address, bucket) DO UPDATE SET
			high       = GREATEST(t.high, EXCLUDED.high),
			low        = LEAST(t.low, EXCLUDED.low),
			close      = EXCLUDED.close,
			volume     = t.volume + EXCLUDED.volume,
			platform   = EXCLUDED.platform,
			updated_at = NOW()
	`, table)
}

// MergeBatch folds all deltas in a single transaction. Fails the entire batch on any error.
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, d := range deltas {
		batch.Queue(mergeQuery(d.Resolution.TableName()),
			d.TokenAddress,
			time.Unix(d.BucketStart, 0).UTC(),
			d.Open,
			d.High,
			d.Low,
			d.Close,
			d.Volume,
			string(d.Venue),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range deltas {
		if _, err := results.Exec(); err != nil {
			results.Close()
			if isUndefinedTableError(err) {
				return fmt.Errorf("merge kline: %w (run migrations)", err)
			}
			return fmt.Errorf("merge kline: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// Range retrieves rows with bucket in [start, end] (inclusive), ordered by bucket ASC.
func (s *KLineHistoryStore) Range(ctx context.Context, token string, res domain.Resolution, start, end int64) ([]*domain.KLine, error) {
	if !res.Valid() {
		return nil, storage.ErrUnknownResolution
	}

	query := fmt.Sprintf(`
		SELECT bucket, open, high, low, close, volume, platform
		FROM %s
		WHERE token_address = $1 AND bucket >= $2 AND bucket <= $3
		ORDER BY bucket ASC
	`, res.TableName())

	rows, err := s.pool.Query(ctx, query, token, time.Unix(start, 0).UTC(), time.Unix(end, 0).UTC())
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", res.TableName(), err)
	}
	defer rows.Close()

	return scanKLines(rows, token, res)
}

// scanKLines scans multiple rows into a slice of KLine.
func scanKLines(rows pgx.Rows, token string, res domain.Resolution) ([]*domain.KLine, error) {
	var klines []*domain.KLine

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
		klines = append(klines, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate klines: %w", err)
	}

	return klines, nil
}
