package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ApplicationName tags klined sessions in pg_stat_activity.
const ApplicationName = "klined"

// Pool is the pgx pool behind the kline_<resolution> tables.
type Pool struct {
	*pgxpool.Pool
}

func parseConfig(dsn string) (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = ApplicationName
	}
	return cfg, nil
}

func connect(ctx context.Context, cfg *pgxpool.Config) (*Pool, error) {
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Pool{Pool: pool}, nil
}

// NewPool opens a pool and pings it once.
func NewPool(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := parseConfig(dsn)
	if err != nil {
		return nil, err
	}
	return connect(ctx, cfg)
}

// NewPoolWithRetry opens a pool, retrying failed connects with exponential
// backoff up to maxTries attempts. A malformed DSN fails immediately.
func NewPoolWithRetry(ctx context.Context, dsn string, maxTries uint, logger *zap.Logger) (*Pool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := parseConfig(dsn)
	if err != nil {
		return nil, err
	}

	attempt := 0
	return backoff.Retry(ctx, func() (*Pool, error) {
		attempt++
		return connect(ctx, cfg.Copy())
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Warn("postgres unavailable",
				zap.Int("attempt", attempt),
				zap.Duration("retry_in", wait),
				zap.Error(err))
		}))
}

// undefinedTable is SQLSTATE 42P01, raised when a kline_<resolution> table
// has not been migrated yet.
const undefinedTable = "42P01"

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == undefinedTable
}
