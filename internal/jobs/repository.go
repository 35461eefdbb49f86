package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/models"
)

// ErrDuplicateKey reports that (account, idempotency_key) already exists.
var ErrDuplicateKey = errors.New("idempotency key already used")

const generationColumns = `id, account_id, model_id, model_family, gen_type, price, prompt, negative_prompt, params,
	idempotency_key, task_handle, run_id, status, result_url, error, created_at, started_at, completed_at, timeout_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func scanGeneration(row pgx.Row) (*models.Generation, error) {
	var g models.Generation
	err := row.Scan(&g.ID, &g.AccountID, &g.ModelID, &g.ModelFamily, &g.Type, &g.Price, &g.Prompt, &g.NegativePrompt, &g.Params,
		&g.IdempotencyKey, &g.TaskHandle, &g.RunID, &g.Status, &g.ResultURL, &g.Error, &g.CreatedAt, &g.StartedAt, &g.CompletedAt, &g.TimeoutAt)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// LockAccount takes the account row lock for the rest of tx, serialising
// generation creates per account, and returns its ban flag and credits.
func (r *Repository) LockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, int64, error) {
	var banned bool
	var credits int64
	err := tx.QueryRow(ctx, `
		SELECT is_banned, credits FROM accounts WHERE id = $1 FOR UPDATE
	`, accountID).Scan(&banned, &credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, 0, apperrors.ErrUserNotFound
	}
	return banned, credits, err
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.Generation, error) {
	g, err := scanGeneration(tx.QueryRow(ctx, `
		SELECT `+generationColumns+` FROM generations WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// FindByIdempotencyKey is GetByIdempotencyKey outside a transaction.
func (r *Repository) FindByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*models.Generation, error) {
	g, err := scanGeneration(r.pool.QueryRow(ctx, `
		SELECT `+generationColumns+` FROM generations WHERE account_id = $1 AND idempotency_key = $2
	`, accountID, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrGenerationNotFound
	}
	return g, err
}

// CountActive counts PENDING and PROCESSING generations.
func (r *Repository) CountActive(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM generations WHERE account_id = $1 AND status IN ('PENDING', 'PROCESSING')
	`, accountID).Scan(&n)
	return n, err
}

func (r *Repository) CountSince(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM generations WHERE account_id = $1 AND created_at >= $2
	`, accountID, since).Scan(&n)
	return n, err
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, g *models.Generation) error {
	err := tx.QueryRow(ctx, `
		INSERT INTO generations (id, account_id, model_id, model_family, gen_type, price, prompt, negative_prompt, params,
			idempotency_key, status, created_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING created_at
	`, g.ID, g.AccountID, g.ModelID, g.ModelFamily, g.Type, g.Price, g.Prompt, g.NegativePrompt, g.Params,
		g.IdempotencyKey, g.Status, g.CreatedAt, g.TimeoutAt).Scan(&g.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateKey
	}
	return err
}

// RecordGeneration bumps the account activity counters.
func (r *Repository) RecordGeneration(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, price int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE accounts
		SET total_generations = total_generations + 1,
			total_spent_credits = total_spent_credits + $2,
			last_active_at = now(),
			updated_at = now()
		WHERE id = $1
	`, accountID, price)
	return err
}

func (r *Repository) SetRunID(ctx context.Context, tx pgx.Tx, id uuid.UUID, runID int64) error {
	_, err := tx.Exec(ctx, `UPDATE generations SET run_id = $2 WHERE id = $1`, id, runID)
	return err
}

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	g, err := scanGeneration(r.pool.QueryRow(ctx, `SELECT `+generationColumns+` FROM generations WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrGenerationNotFound
	}
	return g, err
}

func (r *Repository) ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+generationColumns+` FROM generations WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []*models.Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, g)
	}
	return list, rows.Err()
}

// MarkProcessing moves PENDING to PROCESSING. Reports whether it matched.
func (r *Repository) MarkProcessing(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	g, err := scanGeneration(r.pool.QueryRow(ctx, `
		UPDATE generations SET status = 'PROCESSING', started_at = now()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+generationColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

func (r *Repository) SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE generations SET task_handle = $2 WHERE id = $1 AND status = 'PROCESSING'
	`, id, handle)
	return err
}

// Complete moves PROCESSING to COMPLETED. Returns nil when the row was no
// longer PROCESSING.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, resultURL string) (*models.Generation, error) {
	g, err := scanGeneration(r.pool.QueryRow(ctx, `
		UPDATE generations SET status = 'COMPLETED', result_url = $2, completed_at = now()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING `+generationColumns, id, resultURL))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// Finish moves an active generation to a refunded terminal status inside tx.
// Returns nil when the row had already left PENDING/PROCESSING.
func (r *Repository) Finish(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, reason string) (*models.Generation, error) {
	g, err := scanGeneration(tx.QueryRow(ctx, `
		UPDATE generations SET status = $2, error = $3, completed_at = now()
		WHERE id = $1 AND status IN ('PENDING', 'PROCESSING')
		RETURNING `+generationColumns, id, status, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return g, err
}

// ListExpired returns active generations whose deadline has passed.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM generations
		WHERE status IN ('PENDING', 'PROCESSING') AND timeout_at < $1
		ORDER BY timeout_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
