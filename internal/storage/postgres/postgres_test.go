package postgres

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_ApplicationName(t *testing.T) {
	cfg, err := parseConfig("postgres://u:p@localhost:5432/klines")
	require.NoError(t, err)
	assert.Equal(t, ApplicationName, cfg.ConnConfig.RuntimeParams["application_name"])

	cfg, err = parseConfig("postgres://u:p@localhost:5432/klines?application_name=backfill")
	require.NoError(t, err)
	assert.Equal(t, "backfill", cfg.ConnConfig.RuntimeParams["application_name"])
}

func TestNewPoolWithRetry_BadDSN(t *testing.T) {
	_, err := NewPoolWithRetry(context.Background(), "postgres://u:p@localhost:notaport/db", 3, nil)
	assert.Error(t, err)
}

func TestIsUndefinedTableError(t *testing.T) {
	missing := &pgconn.PgError{Code: undefinedTable}
	assert.True(t, isUndefinedTableError(fmt.Errorf("range: %w", missing)))
	assert.False(t, isUndefinedTableError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUndefinedTableError(nil))
}
