package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/referral"
)

const codeAttempts = 5

// Store is implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	GetByExternalID(ctx context.Context, externalID int64) (*models.Account, error)
	Create(ctx context.Context, tx pgx.Tx, a *models.Account) error
	Touch(ctx context.Context, id uuid.UUID, username string) error
	SetBanned(ctx context.Context, id uuid.UUID, banned bool) error
	Stats(ctx context.Context) (*models.PlatformStats, error)
}

// Linker attaches a referrer by code. referral.Service implements it.
type Linker interface {
	LinkReferrer(ctx context.Context, accountID uuid.UUID, code string) (*referral.Link, error)
}

type TokenIssuer interface {
	IssueToken(accountID uuid.UUID, isAdmin bool) (string, error)
}

// Session is what the bot receives on first and every later contact.
type Session struct {
	Account *models.Account `json:"account"`
	Token   string          `json:"token"`
	Created bool            `json:"created"`
}

type Service interface {
	// EnsureAccount returns the account for externalID, creating it with the
	// welcome bonus on first contact. referralCode is only honoured on creation.
	EnsureAccount(ctx context.Context, externalID int64, username, referralCode string) (*Session, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Account, error)
	SetBanned(ctx context.Context, adminID, id uuid.UUID, banned bool) error
	GrantBonus(ctx context.Context, adminID, id uuid.UUID, amount int64, reason string) (*models.LedgerEntry, error)
	Stats(ctx context.Context, adminID uuid.UUID) (*models.PlatformStats, error)
}

type service struct {
	store   Store
	ledger  ledger.Service
	linker  Linker
	tokens  TokenIssuer
	catalog *config.Catalog
	log     *zap.Logger
	newCode func() (string, error)
}

func NewService(store Store, ledgerSvc ledger.Service, linker Linker, tokens TokenIssuer, catalog *config.Catalog, log *zap.Logger) Service {
	return &service{
		store:   store,
		ledger:  ledgerSvc,
		linker:  linker,
		tokens:  tokens,
		catalog: catalog,
		log:     logger.OrGlobal(log),
		newCode: referral.NewCode,
	}
}

var _ Service = (*service)(nil)

func (s *service) EnsureAccount(ctx context.Context, externalID int64, username, referralCode string) (*Session, error) {
	if externalID == 0 {
		return nil, apperrors.ErrValidation.WithMessage("external_id is required")
	}
	acc, err := s.store.GetByExternalID(ctx, externalID)
	switch {
	case err == nil:
		if err := s.store.Touch(ctx, acc.ID, username); err != nil {
			s.log.Warn("touch account", zap.String("account_id", acc.ID.String()), zap.Error(err))
		}
		acc.Username = username
		return s.session(acc, false)
	case !errors.Is(err, apperrors.ErrUserNotFound):
		return nil, err
	}

	acc, err = s.create(ctx, externalID, username)
	if errors.Is(err, errExternalIDTaken) {
		// lost the race with a concurrent first contact
		acc, err = s.store.GetByExternalID(ctx, externalID)
		if err != nil {
			return nil, err
		}
		return s.session(acc, false)
	}
	if err != nil {
		return nil, err
	}
	s.log.Info("account created", zap.String("account_id", acc.ID.String()), zap.Int64("external_id", externalID))

	if code := strings.TrimSpace(referralCode); code != "" && s.linker != nil {
		link, err := s.linker.LinkReferrer(ctx, acc.ID, code)
		if err != nil {
			s.log.Info("referral code ignored", zap.String("code", code), zap.Error(err))
		} else {
			ref := link.ReferrerID
			acc.ReferrerID = &ref
		}
	}
	return s.session(acc, true)
}

func (s *service) create(ctx context.Context, externalID int64, username string) (*models.Account, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}
		acc := &models.Account{
			ID:           uuid.New(),
			ExternalID:   externalID,
			Username:     username,
			ReferralCode: code,
		}
		err = s.createWithBonus(ctx, acc)
		if errors.Is(err, errReferralCodeTaken) {
			continue
		}
		return acc, err
	}
	return nil, fmt.Errorf("could not allocate a unique referral code after %d attempts", codeAttempts)
}

func (s *service) createWithBonus(ctx context.Context, acc *models.Account) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := s.store.Create(ctx, tx, acc); err != nil {
		return err
	}
	if s.catalog.WelcomeBonus > 0 {
		e, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
			AccountID:   acc.ID,
			Field:       models.FieldCredits,
			Delta:       s.catalog.WelcomeBonus,
			Kind:        models.EntryBonus,
			Description: "welcome bonus",
		})
		if err != nil {
			return err
		}
		acc.Credits = e.BalanceAfter
	}
	return tx.Commit(ctx)
}

func (s *service) session(acc *models.Account, created bool) (*Session, error) {
	if acc.IsBanned {
		return nil, apperrors.ErrUserBanned
	}
	token, err := s.tokens.IssueToken(acc.ID, acc.IsAdmin)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &Session{Account: acc, Token: token, Created: created}, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	return s.store.GetByID(ctx, id)
}

func (s *service) requireAdmin(ctx context.Context, adminID uuid.UUID) error {
	admin, err := s.store.GetByID(ctx, adminID)
	if err != nil {
		return err
	}
	if !admin.IsAdmin {
		return apperrors.ErrAdminRequired
	}
	return nil
}

func (s *service) SetBanned(ctx context.Context, adminID, id uuid.UUID, banned bool) error {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return err
	}
	if err := s.store.SetBanned(ctx, id, banned); err != nil {
		return err
	}
	s.log.Info("account ban changed",
		zap.String("account_id", id.String()),
		zap.String("admin_id", adminID.String()),
		zap.Bool("banned", banned))
	return nil
}

func (s *service) GrantBonus(ctx context.Context, adminID, id uuid.UUID, amount int64, reason string) (*models.LedgerEntry, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, apperrors.ErrValidation.WithMessage("bonus amount must be positive")
	}
	if reason == "" {
		reason = "admin bonus"
	}
	e, err := s.ledger.AdjustNow(ctx, ledger.Adjustment{
		AccountID:   id,
		Field:       models.FieldCredits,
		Delta:       amount,
		Kind:        models.EntryBonus,
		Description: reason,
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("bonus granted",
		zap.String("account_id", id.String()),
		zap.String("admin_id", adminID.String()),
		zap.Int64("amount", amount))
	return e, nil
}

func (s *service) Stats(ctx context.Context, adminID uuid.UUID) (*models.PlatformStats, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.Stats(ctx)
}
