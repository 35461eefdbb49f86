package referral

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/models"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func (r *Repository) AccountByCode(ctx context.Context, code string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT id FROM accounts WHERE referral_code = $1`, code).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, apperrors.ErrReferralCodeNotFound
	}
	return id, err
}

// SetReferrer links accountID to referrerID unless it already has one.
// Reports whether this call made the link.
func (r *Repository) SetReferrer(ctx context.Context, tx pgx.Tx, accountID, referrerID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET referrer_id = $2, updated_at = now()
		WHERE id = $1 AND referrer_id IS NULL
	`, accountID, referrerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Referrer returns the referrer of accountID (nil when none) and whether that
// referrer is banned.
func (r *Repository) Referrer(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*uuid.UUID, bool, error) {
	var referrerID *uuid.UUID
	var banned *bool
	err := tx.QueryRow(ctx, `
		SELECT a.referrer_id, ref.is_banned
		FROM accounts a LEFT JOIN accounts ref ON ref.id = a.referrer_id
		WHERE a.id = $1
	`, accountID).Scan(&referrerID, &banned)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, apperrors.ErrUserNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return referrerID, banned != nil && *banned, nil
}

func (r *Repository) InsertEdge(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		INSERT INTO referral_edges (referred_id, referrer_id) VALUES ($1, $2)
	`, referredID, referrerID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET referrals_count = referrals_count + 1, updated_at = now() WHERE id = $1
	`, referrerID)
	return err
}

// MarkFirstPayment sets first_payment_at once. Reports whether this call set it.
func (r *Repository) MarkFirstPayment(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE accounts SET first_payment_at = now(), updated_at = now()
		WHERE id = $1 AND first_payment_at IS NULL
	`, accountID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) MarkActive(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET referrals_active = referrals_active + 1, updated_at = now() WHERE id = $1
	`, referrerID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE referral_edges SET first_paid_at = now() WHERE referred_id = $1 AND first_paid_at IS NULL
	`, referredID)
	return err
}

// AddEarned bumps the lifetime totals. The balance itself moves through the ledger.
func (r *Repository) AddEarned(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID, amount int64) error {
	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET referral_total_earned = referral_total_earned + $2, updated_at = now() WHERE id = $1
	`, referrerID, amount); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, `
		UPDATE referral_edges SET total_earned = total_earned + $2 WHERE referred_id = $1
	`, referredID, amount)
	return err
}

func (r *Repository) ListEdges(ctx context.Context, referrerID uuid.UUID, limit int) ([]*models.ReferralEdge, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.referrer_id, e.referred_id, a.username, e.total_earned, e.first_paid_at, e.created_at
		FROM referral_edges e JOIN accounts a ON a.id = e.referred_id
		WHERE e.referrer_id = $1
		ORDER BY e.created_at DESC
		LIMIT $2
	`, referrerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.ReferralEdge
	for rows.Next() {
		var e models.ReferralEdge
		if err := rows.Scan(&e.ReferrerID, &e.ReferredID, &e.ReferredName, &e.TotalEarned, &e.FirstPaidAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, &e)
	}
	return list, rows.Err()
}
