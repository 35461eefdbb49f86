package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/models"
)

// Adjustment describes one signed movement of a single balance field.
type Adjustment struct {
	AccountID   uuid.UUID
	Field       models.BalanceField
	Delta       int64
	Kind        string
	ReferenceID *uuid.UUID
	Description string
}

// Store is what the service needs from persistence. *Repository implements it.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Apply(ctx context.Context, tx pgx.Tx, a Adjustment) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (models.Balance, error)
	ListEntries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type Service interface {
	// Adjust applies a within the caller's transaction.
	Adjust(ctx context.Context, tx pgx.Tx, a Adjustment) (*models.LedgerEntry, error)
	// AdjustNow applies a in its own transaction.
	AdjustNow(ctx context.Context, a Adjustment) (*models.LedgerEntry, error)
	GetBalance(ctx context.Context, accountID uuid.UUID) (models.Balance, error)
	Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error)
}

type service struct {
	store Store
	log   *zap.Logger
}

func NewService(store Store, log *zap.Logger) Service {
	return &service{store: store, log: logger.OrGlobal(log)}
}

var _ Service = (*service)(nil)

var validKinds = map[string]bool{
	models.EntryTopup:      true,
	models.EntryGeneration: true,
	models.EntryRefund:     true,
	models.EntryReferral:   true,
	models.EntryWithdrawal: true,
	models.EntryBonus:      true,
}

func (a Adjustment) validate() error {
	if a.Delta == 0 {
		return apperrors.ErrValidation.WithMessage("ledger adjustment must be non-zero")
	}
	if a.Field != models.FieldCredits && a.Field != models.FieldReferralBalance {
		return apperrors.ErrValidation.WithMessage("unknown balance field %q", a.Field)
	}
	if !validKinds[a.Kind] {
		return apperrors.ErrValidation.WithMessage("unknown ledger entry kind %q", a.Kind)
	}
	return nil
}

func (s *service) Adjust(ctx context.Context, tx pgx.Tx, a Adjustment) (*models.LedgerEntry, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	e, err := s.store.Apply(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	s.log.Debug("ledger adjusted",
		zap.String("account_id", a.AccountID.String()),
		zap.String("field", string(a.Field)),
		zap.String("kind", a.Kind),
		zap.Int64("delta", a.Delta),
		zap.Int64("balance_after", e.BalanceAfter),
	)
	return e, nil
}

func (s *service) AdjustNow(ctx context.Context, a Adjustment) (*models.LedgerEntry, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	e, err := s.Adjust(ctx, tx, a)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger adjustment: %w", err)
	}
	return e, nil
}

func (s *service) GetBalance(ctx context.Context, accountID uuid.UUID) (models.Balance, error) {
	return s.store.GetBalance(ctx, accountID)
}

func (s *service) Entries(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEntries(ctx, accountID, limit)
}
