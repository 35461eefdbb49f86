package payments

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/database/dbtest"
	"github.com/nanogen/backend/internal/models"
)

func insertTestPayment(t *testing.T, repo *Repository, account uuid.UUID, referrer *uuid.UUID) *models.Payment {
	t.Helper()
	p := &models.Payment{
		ID:             uuid.New(),
		AccountID:      account,
		Credits:        100,
		Price:          50_000,
		Status:         models.PaymentPending,
		ReferrerID:     referrer,
		IdempotencyKey: uuid.NewString(),
	}
	require.NoError(t, repo.InsertPayment(context.Background(), p))
	return p
}

func approvePayment(repo *Repository, id, admin uuid.UUID) (*models.Payment, error) {
	ctx := context.Background()
	tx, err := repo.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)
	p, err := repo.DecidePayment(ctx, tx, id, models.PaymentApproved, admin, nil)
	if err != nil {
		return nil, err
	}
	return p, tx.Commit(ctx)
}

func decidePayment(t *testing.T, repo *Repository, id, admin uuid.UUID) *models.Payment {
	t.Helper()
	p, err := approvePayment(repo, id, admin)
	require.NoError(t, err)
	return p
}

func TestRepository_DecidePaymentOnce(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	payer := dbtest.Account(t, pool, 0, 0)
	admin := dbtest.Account(t, pool, 0, 0)
	p := insertTestPayment(t, repo, payer, nil)

	first := decidePayment(t, repo, p.ID, admin)
	require.NotNil(t, first)
	assert.Equal(t, models.PaymentApproved, first.Status)
	require.NotNil(t, first.AdminID)
	assert.Equal(t, admin, *first.AdminID)

	assert.Nil(t, decidePayment(t, repo, p.ID, admin), "a decided payment is not decided again")
	assert.Nil(t, decidePayment(t, repo, uuid.New(), admin))
}

func TestRepository_ConcurrentDecisionsMatchOnce(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	payer := dbtest.Account(t, pool, 0, 0)
	admin := dbtest.Account(t, pool, 0, 0)
	p := insertTestPayment(t, repo, payer, nil)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decided, err := approvePayment(repo, p.ID, admin)
			assert.NoError(t, err)
			if decided != nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestRepository_PaymentKeyAndReferrerSnapshot(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	referrer := dbtest.Account(t, pool, 0, 0)
	later := dbtest.Account(t, pool, 0, 0)
	payer := dbtest.Account(t, pool, 0, 0)
	_, err := pool.Exec(ctx, `UPDATE accounts SET referrer_id = $2 WHERE id = $1`, payer, referrer)
	require.NoError(t, err)

	got, err := repo.AccountReferrer(ctx, payer)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, referrer, *got)
	_, err = repo.AccountReferrer(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrUserNotFound)

	p := insertTestPayment(t, repo, payer, got)
	dup := *p
	dup.ID = uuid.New()
	assert.ErrorIs(t, repo.InsertPayment(ctx, &dup), errDuplicateKey)

	tx, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, repo.SetCommission(ctx, tx, p.ID, later, 12_500))
	require.NoError(t, tx.Commit(ctx))

	stored, err := repo.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ReferrerID)
	assert.Equal(t, referrer, *stored.ReferrerID, "the snapshot taken at submission is kept")
	assert.Equal(t, int64(12_500), stored.Commission)
}

func TestRepository_OneOpenWithdrawal(t *testing.T) {
	pool := dbtest.Open(t)
	repo := NewRepository(pool)
	ctx := context.Background()
	acc := dbtest.Account(t, pool, 0, 1_000_000)
	admin := dbtest.Account(t, pool, 0, 0)

	withdrawal := func() *models.Withdrawal {
		return &models.Withdrawal{
			ID:             uuid.New(),
			AccountID:      acc,
			Amount:         300_000,
			CardNumber:     "8600123456789012",
			CardType:       models.CardUzcard,
			Status:         models.WithdrawalFrozen,
			IdempotencyKey: uuid.NewString(),
		}
	}
	insert := func(w *models.Withdrawal) error {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		if err := repo.InsertWithdrawal(ctx, tx, w); err != nil {
			return err
		}
		return tx.Commit(ctx)
	}
	decide := func(id uuid.UUID) *models.Withdrawal {
		tx, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer tx.Rollback(ctx)
		w, err := repo.DecideWithdrawal(ctx, tx, id, models.WithdrawalApproved, admin, nil)
		require.NoError(t, err)
		require.NoError(t, tx.Commit(ctx))
		return w
	}

	first := withdrawal()
	require.NoError(t, insert(first))
	assert.ErrorIs(t, insert(withdrawal()), apperrors.ErrWithdrawalInProgress)

	stored, err := repo.GetWithdrawal(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "8600 **** **** 9012", stored.CardMasked)

	require.NotNil(t, decide(first.ID))
	assert.Nil(t, decide(first.ID), "a decided withdrawal is not decided again")

	// the decided one no longer blocks a new request
	assert.NoError(t, insert(withdrawal()))
}
