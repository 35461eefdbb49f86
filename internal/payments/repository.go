package payments

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

var errDuplicateKey = errors.New("idempotency key already used")

const (
	paymentColumns = `id, account_id, credits, price, screenshot_ref, status, admin_id, decided_at, reject_reason,
	referrer_id, commission, idempotency_key, created_at`
	withdrawalColumns = `id, account_id, amount, card_number, card_type, status, admin_id, decided_at, reject_reason,
	idempotency_key, created_at`
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

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(&p.ID, &p.AccountID, &p.Credits, &p.Price, &p.ScreenshotRef, &p.Status, &p.AdminID, &p.DecidedAt,
		&p.RejectReason, &p.ReferrerID, &p.Commission, &p.IdempotencyKey, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanWithdrawal(row pgx.Row) (*models.Withdrawal, error) {
	var w models.Withdrawal
	err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.CardNumber, &w.CardType, &w.Status, &w.AdminID, &w.DecidedAt,
		&w.RejectReason, &w.IdempotencyKey, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	w.CardMasked = models.MaskCard(w.CardNumber)
	return &w, nil
}

func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName, true
	}
	return "", false
}

// AccountFlags returns is_banned and is_admin for an account.
func (r *Repository) AccountFlags(ctx context.Context, id uuid.UUID) (bool, bool, error) {
	var banned, admin bool
	err := r.pool.QueryRow(ctx, `SELECT is_banned, is_admin FROM accounts WHERE id = $1`, id).Scan(&banned, &admin)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, false, apperrors.ErrUserNotFound
	}
	return banned, admin, err
}

// LockAccount row-locks the account for the rest of tx and returns its ban
// flag and referral balance.
func (r *Repository) LockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (bool, int64, error) {
	var banned bool
	var balance int64
	err := tx.QueryRow(ctx, `
		SELECT is_banned, referral_balance FROM accounts WHERE id = $1 FOR UPDATE
	`, id).Scan(&banned, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, apperrors.ErrUserNotFound
	}
	return banned, balance, err
}

// AccountReferrer returns who referred the account, or nil.
func (r *Repository) AccountReferrer(ctx context.Context, id uuid.UUID) (*uuid.UUID, error) {
	var referrer *uuid.UUID
	err := r.pool.QueryRow(ctx, `SELECT referrer_id FROM accounts WHERE id = $1`, id).Scan(&referrer)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrUserNotFound
	}
	return referrer, err
}

func (r *Repository) InsertPayment(ctx context.Context, p *models.Payment) error {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, account_id, credits, price, screenshot_ref, status, referrer_id, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, p.ID, p.AccountID, p.Credits, p.Price, p.ScreenshotRef, p.Status, p.ReferrerID, p.IdempotencyKey).Scan(&p.CreatedAt)
	if _, ok := uniqueViolation(err); ok {
		return errDuplicateKey
	}
	return err
}

func (r *Repository) PaymentByKey(ctx context.Context, key string) (*models.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

func (r *Repository) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrPaymentNotFound
	}
	return p, err
}

// DecidePayment moves a PENDING payment to status. Returns nil when the
// payment is missing or already decided.
func (r *Repository) DecidePayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, adminID uuid.UUID, reason *string) (*models.Payment, error) {
	p, err := scanPayment(tx.QueryRow(ctx, `
		UPDATE payments SET status = $2, admin_id = $3, reject_reason = $4, decided_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+paymentColumns, id, status, adminID, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// SetCommission records the paid commission. The referrer snapshot taken at
// submission is kept; referrerID only fills it when the payer linked later.
func (r *Repository) SetCommission(ctx context.Context, tx pgx.Tx, id, referrerID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE payments SET referrer_id = COALESCE(referrer_id, $2), commission = $3 WHERE id = $1
	`, id, referrerID, amount)
	return err
}

func (r *Repository) AddSpentCurrency(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET total_spent_currency = total_spent_currency + $2, updated_at = now() WHERE id = $1
	`, accountID, amount)
	return err
}

func (r *Repository) ListPayments(ctx context.Context, status string, limit int) ([]*models.Payment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+paymentColumns+` FROM payments WHERE status = $1 ORDER BY created_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, rows.Err()
}

func (r *Repository) OpenWithdrawal(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(tx.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE account_id = $1 AND status IN ('PENDING', 'FROZEN')
	`, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func (r *Repository) WithdrawalByKey(ctx context.Context, key string) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func (r *Repository) InsertWithdrawal(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO withdrawals (id, account_id, amount, card_number, card_type, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, w.ID, w.AccountID, w.Amount, w.CardNumber, w.CardType, w.Status, w.IdempotencyKey).Scan(&w.CreatedAt)
	if constraint, ok := uniqueViolation(err); ok {
		if constraint == "withdrawals_one_open_idx" {
			return apperrors.ErrWithdrawalInProgress
		}
		return errDuplicateKey
	}
	return err
}

// SaveCard stores card on the account unless one is already saved.
func (r *Repository) SaveCard(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, card string) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET saved_card = $2, updated_at = now() WHERE id = $1 AND saved_card IS NULL
	`, accountID, card)
	return err
}

func (r *Repository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(r.pool.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrWithdrawalNotFound
	}
	return w, err
}

// DecideWithdrawal moves an open withdrawal to status. Returns nil when the
// withdrawal is missing or already decided.
func (r *Repository) DecideWithdrawal(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, adminID uuid.UUID, reason *string) (*models.Withdrawal, error) {
	w, err := scanWithdrawal(tx.QueryRow(ctx, `
		UPDATE withdrawals SET status = $2, admin_id = $3, reject_reason = $4, decided_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'FROZEN')
		RETURNING `+withdrawalColumns, id, status, adminID, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return w, err
}

func (r *Repository) AddWithdrawn(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts SET referral_withdrawn = referral_withdrawn + $2, updated_at = now() WHERE id = $1
	`, accountID, amount)
	return err
}

func (r *Repository) ListWithdrawals(ctx context.Context, status string, limit int) ([]*models.Withdrawal, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE status = $1 ORDER BY created_at LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, w)
	}
	return list, rows.Err()
}
