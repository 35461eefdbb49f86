package ledger

import (
	"context"
	"errors"
	"fmt"

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

func column(f models.BalanceField) (string, error) {
	switch f {
	case models.FieldCredits:
		return "credits", nil
	case models.FieldReferralBalance:
		return "referral_balance", nil
	default:
		return "", fmt.Errorf("unknown balance field %q", f)
	}
}

// Apply runs inside the caller's transaction. It:
// a) moves the balance with one conditional UPDATE (the row only matches when the result stays >= 0)
// b) inserts the audit entry carrying the resulting balance
// Zero matched rows on an existing account means another writer got there first.
func (r *Repository) Apply(ctx context.Context, tx pgx.Tx, a Adjustment) (*models.LedgerEntry, error) {
	col, err := column(a.Field)
	if err != nil {
		return nil, err
	}
	var balanceAfter int64
	err = tx.QueryRow(ctx, `
		UPDATE accounts
		SET `+col+` = `+col+` + $1, updated_at = now()
		WHERE id = $2 AND `+col+` + $1 >= 0
		RETURNING `+col, a.Delta, a.AccountID).Scan(&balanceAfter)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)`, a.AccountID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, apperrors.ErrUserNotFound
		}
		return nil, apperrors.ErrConcurrentUpdate
	}
	if err != nil {
		return nil, err
	}

	e := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    a.AccountID,
		Field:        a.Field,
		Kind:         a.Kind,
		Amount:       a.Delta,
		BalanceAfter: balanceAfter,
		ReferenceID:  a.ReferenceID,
		Description:  a.Description,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, field, kind, amount, balance_after, reference_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, e.ID, e.AccountID, string(e.Field), e.Kind, e.Amount, e.BalanceAfter, e.ReferenceID, e.Description).Scan(&e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (r *Repository) GetBalance(ctx context.Context, accountID uuid.UUID) (models.Balance, error) {
	var b models.Balance
	err := r.pool.QueryRow(ctx, `
		SELECT credits, referral_balance FROM accounts WHERE id = $1
	`, accountID).Scan(&b.Credits, &b.ReferralBalance)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, apperrors.ErrUserNotFound
	}
	return b, err
}

func (r *Repository) ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, field, kind, amount, balance_after, reference_id, description, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var field string
		if err := rows.Scan(&e.ID, &e.AccountID, &field, &e.Kind, &e.Amount, &e.BalanceAfter, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Field = models.BalanceField(field)
		list = append(list, &e)
	}
	return list, rows.Err()
}
