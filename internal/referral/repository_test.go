package referral

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/database/dbtest"
)

// link runs the link statements the way LinkReferrer does, in one tx.
func link(repo *Repository, account, referrer uuid.UUID) (bool, error) {
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	linked, err := repo.SetReferrer(ctx, tx, account, referrer)
	if err != nil || !linked {
		return false, err
	}
	if err := repo.InsertEdge(ctx, tx, referrer, account); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func mustLink(t *testing.T, repo *Repository, account, referrer uuid.UUID) {
	t.Helper()
	linked, err := link(repo, account, referrer)
	require.NoError(t, err)
	require.True(t, linked)
}

func TestRepository_ConcurrentLinksLeaveOneReferrer(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	account := dbtest.Account(t, pool, 0, 0)

	referrers := make([]uuid.UUID, 8)
	for i := range referrers {
		referrers[i] = dbtest.Account(t, pool, 0, 0)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winner []uuid.UUID
	)
	for _, ref := range referrers {
		wg.Add(1)
		go func(ref uuid.UUID) {
			defer wg.Done()
			linked, err := link(repo, account, ref)
			assert.NoError(t, err)
			if linked {
				mu.Lock()
				winner = append(winner, ref)
				mu.Unlock()
			}
		}(ref)
	}
	wg.Wait()
	require.Len(t, winner, 1)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)
	got, banned, err := repo.Referrer(ctx, tx, account)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, winner[0], *got)
	assert.False(t, banned)

	var edges int
	require.NoError(t, pool.QueryRow(ctx, `SELECT count(*) FROM referral_edges WHERE referred_id = $1`, account).Scan(&edges))
	assert.Equal(t, 1, edges)

	var counted int64
	for _, ref := range referrers {
		var n int64
		require.NoError(t, pool.QueryRow(ctx, `SELECT referrals_count FROM accounts WHERE id = $1`, ref).Scan(&n))
		counted += n
	}
	assert.Equal(t, int64(1), counted)
}

func TestRepository_ReferrerReportsBan(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	referrer := dbtest.Account(t, pool, 0, 0)
	account := dbtest.Account(t, pool, 0, 0)
	loner := dbtest.Account(t, pool, 0, 0)
	mustLink(t, repo, account, referrer)
	dbtest.Ban(t, pool, referrer)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	got, banned, err := repo.Referrer(ctx, tx, account)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, banned)

	got, banned, err = repo.Referrer(ctx, tx, loner)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, banned)

	_, _, err = repo.Referrer(ctx, tx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)
}

func TestRepository_FirstPaymentCountsOnce(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	referrer := dbtest.Account(t, pool, 0, 0)
	account := dbtest.Account(t, pool, 0, 0)
	mustLink(t, repo, account, referrer)

	for i, want := range []bool{true, false} {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		first, err := repo.MarkFirstPayment(ctx, tx, account)
		require.NoError(t, err)
		assert.Equal(t, want, first, "payment %d", i+1)
		if first {
			require.NoError(t, repo.MarkActive(ctx, tx, referrer, account))
		}
		require.NoError(t, repo.AddEarned(ctx, tx, referrer, account, 25_000))
		require.NoError(t, tx.Commit(ctx))
	}

	edges, err := repo.ListEdges(ctx, referrer, 10)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, int64(50_000), edges[0].TotalEarned)
	assert.NotNil(t, edges[0].FirstPaidAt)

	var active, earned int64
	require.NoError(t, pool.QueryRow(ctx, `
		SELECT referrals_active, referral_total_earned FROM accounts WHERE id = $1
	`, referrer).Scan(&active, &earned))
	assert.Equal(t, int64(1), active)
	assert.Equal(t, int64(50_000), earned)

	found, err := repo.AccountByCode(ctx, dbtest.ReferralCode(referrer))
	require.NoError(t, err)
	assert.Equal(t, referrer, found)
	_, err = repo.AccountByCode(ctx, "NOPE")
	assert.ErrorIs(t, err, apperrors.ErrReferralCodeNotFound)
}
