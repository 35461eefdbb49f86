// Package dbtest connects repository tests to a real PostgreSQL. Tests are
// skipped unless TEST_DATABASE_URL is set; the schema is migrated once per
// test binary and every test works on freshly inserted accounts, so packages
// can share one database.
package dbtest

import (
	"context"
	"encoding/binary"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/database"
)

const EnvURL = "TEST_DATABASE_URL"

var (
	migrateOnce sync.Once
	migrateErr  error
)

// Open returns a pool on the test database, closed when t ends.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skipf("%s not set, skipping PostgreSQL test", EnvURL)
	}
	migrateOnce.Do(func() { migrateErr = database.Migrate(dsn, zap.NewNop()) })
	require.NoError(t, migrateErr)

	pool, err := database.Open(context.Background(), dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

// Account inserts an account with the given balances and returns its id.
func Account(t *testing.T, pool *pgxpool.Pool, credits, referral int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	externalID := int64(binary.BigEndian.Uint64(id[:8]) >> 1)
	_, err := pool.Exec(context.Background(), `
		INSERT INTO accounts (id, external_id, referral_code, credits, referral_balance)
		VALUES ($1, $2, $3, $4, $5)
	`, id, externalID, ReferralCode(id), credits, referral)
	require.NoError(t, err)
	return id
}

// ReferralCode is the code Account gives the account with id.
func ReferralCode(id uuid.UUID) string {
	return strings.ToUpper(strings.ReplaceAll(id.String(), "-", ""))
}

// Ban sets is_banned on an account.
func Ban(t *testing.T, pool *pgxpool.Pool, id uuid.UUID) {
	t.Helper()
	_, err := pool.Exec(context.Background(), `UPDATE accounts SET is_banned = true WHERE id = $1`, id)
	require.NoError(t, err)
}

// EntrySum adds up the ledger entries of one balance column for an account.
func EntrySum(t *testing.T, pool *pgxpool.Pool, id uuid.UUID, field string) int64 {
	t.Helper()
	var sum int64
	err := pool.QueryRow(context.Background(), `
		SELECT COALESCE(sum(amount), 0) FROM ledger_entries WHERE account_id = $1 AND field = $2
	`, id, field).Scan(&sum)
	require.NoError(t, err)
	return sum
}

// CountEntries counts ledger entries of kind that reference ref.
func CountEntries(t *testing.T, pool *pgxpool.Pool, ref uuid.UUID, kind string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(context.Background(), `
		SELECT count(*) FROM ledger_entries WHERE reference_id = $1 AND kind = $2
	`, ref, kind).Scan(&n)
	require.NoError(t, err)
	return n
}
