package accounts

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/models"
)

var (
	errExternalIDTaken   = errors.New("external id already registered")
	errReferralCodeTaken = errors.New("referral code already taken")
)

const accountColumns = `id, external_id, username, credits, referral_balance, referral_total_earned, referral_withdrawn,
	referrer_id, referral_code, is_banned, is_admin, total_generations, total_spent_credits, total_spent_currency,
	referrals_count, referrals_active, saved_card, first_payment_at, last_active_at, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(&a.ID, &a.ExternalID, &a.Username, &a.Credits, &a.ReferralBalance, &a.ReferralTotalEarned, &a.ReferralWithdrawn,
		&a.ReferrerID, &a.ReferralCode, &a.IsBanned, &a.IsAdmin, &a.TotalGenerations, &a.TotalSpentCredits, &a.TotalSpentCurrency,
		&a.ReferralsCount, &a.ReferralsActive, &a.SavedCard, &a.FirstPaymentAt, &a.LastActiveAt, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (r *Repository) GetByExternalID(ctx context.Context, externalID int64) (*models.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE external_id = $1`, externalID))
}

// Create inserts a with zero balances. The welcome bonus is a ledger entry
// applied by the caller in the same transaction.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, a *models.Account) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO accounts (id, external_id, username, referral_code, last_active_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at, updated_at
	`, a.ID, a.ExternalID, a.Username, a.ReferralCode).Scan(&a.CreatedAt, &a.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "accounts_referral_code_key" {
			return errReferralCodeTaken
		}
		return errExternalIDTaken
	}
	return err
}

// Touch refreshes the display name and activity time on every contact.
func (r *Repository) Touch(ctx context.Context, id uuid.UUID, username string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE accounts SET username = $2, last_active_at = now(), updated_at = now() WHERE id = $1
	`, id, username)
	return err
}

func (r *Repository) SetBanned(ctx context.Context, id uuid.UUID, banned bool) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET is_banned = $2, updated_at = now() WHERE id = $1
	`, id, banned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrUserNotFound
	}
	return nil
}

func (r *Repository) Stats(ctx context.Context) (*models.PlatformStats, error) {
	var s models.PlatformStats
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM accounts),
			(SELECT count(*) FROM accounts WHERE is_banned),
			(SELECT count(*) FROM generations),
			(SELECT count(*) FROM generations WHERE status IN ('PENDING', 'PROCESSING')),
			(SELECT count(*) FROM generations WHERE status = 'COMPLETED'),
			(SELECT COALESCE(SUM(price), 0) FROM payments WHERE status = 'APPROVED'),
			(SELECT count(*) FROM payments WHERE status = 'PENDING'),
			(SELECT count(*) FROM withdrawals WHERE status IN ('PENDING', 'FROZEN')),
			(SELECT COALESCE(SUM(commission), 0) FROM payments WHERE status = 'APPROVED')
	`).Scan(&s.Accounts, &s.BannedAccounts, &s.Generations, &s.ActiveGenerations, &s.CompletedGenerations,
		&s.ApprovedRevenue, &s.PendingPayments, &s.PendingWithdrawals, &s.CommissionPaid)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
