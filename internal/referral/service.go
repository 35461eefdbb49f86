package referral

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/notify"
)

// Store is implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	AccountByCode(ctx context.Context, code string) (uuid.UUID, error)
	SetReferrer(ctx context.Context, tx pgx.Tx, accountID, referrerID uuid.UUID) (bool, error)
	Referrer(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*uuid.UUID, bool, error)
	InsertEdge(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID) error
	MarkFirstPayment(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, error)
	MarkActive(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID) error
	AddEarned(ctx context.Context, tx pgx.Tx, referrerID, referredID uuid.UUID, amount int64) error
	ListEdges(ctx context.Context, referrerID uuid.UUID, limit int) ([]*models.ReferralEdge, error)
}

type AccountReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
}

// Link is the outcome of LinkReferrer.
type Link struct {
	ReferrerID uuid.UUID `json:"referrer_id"`
	// Linked is false when the account already had a referrer.
	Linked bool `json:"linked"`
}

// Payout is a commission credited while approving a payment.
type Payout struct {
	ReferrerID uuid.UUID
	Amount     int64
}

type PartnerStats struct {
	ReferralCode      string  `json:"referral_code"`
	ReferralLink      string  `json:"referral_link"`
	TotalEarned       int64   `json:"total_earned"`
	AvailableBalance  int64   `json:"available_balance"`
	TotalWithdrawn    int64   `json:"total_withdrawn"`
	ReferralsTotal    int64   `json:"referrals_total"`
	ReferralsActive   int64   `json:"referrals_active"`
	SavedCard         string  `json:"saved_card,omitempty"`
	SavedCardType     string  `json:"saved_card_type,omitempty"`
	MinWithdrawal     int64   `json:"min_withdrawal"`
	CommissionPercent float64 `json:"commission_percent"`
}

type Service interface {
	LinkReferrer(ctx context.Context, accountID uuid.UUID, code string) (*Link, error)
	// OnPaymentApproved runs inside the payment approval transaction.
	OnPaymentApproved(ctx context.Context, tx pgx.Tx, payerID uuid.UUID, amount int64, paymentID uuid.UUID) (*Payout, error)
	PartnerStats(ctx context.Context, accountID uuid.UUID) (*PartnerStats, error)
	Referrals(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.ReferralEdge, error)
}

type service struct {
	store    Store
	accounts AccountReader
	ledger   ledger.Service
	catalog  *config.Catalog
	sink     notify.Sink
	log      *zap.Logger
}

func NewService(store Store, accounts AccountReader, ledgerSvc ledger.Service, catalog *config.Catalog, sink notify.Sink, log *zap.Logger) Service {
	log = logger.OrGlobal(log)
	if sink == nil {
		sink = notify.NewLogSink(log)
	}
	return &service{store: store, accounts: accounts, ledger: ledgerSvc, catalog: catalog, sink: sink, log: log}
}

var _ Service = (*service)(nil)

func (s *service) LinkReferrer(ctx context.Context, accountID uuid.UUID, code string) (*Link, error) {
	referrerID, err := s.store.AccountByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if referrerID == accountID {
		return nil, apperrors.ErrSelfReferral
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	linked, err := s.store.SetReferrer(ctx, tx, accountID, referrerID)
	if err != nil {
		return nil, err
	}
	if !linked {
		current, _, err := s.store.Referrer(ctx, tx, accountID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, apperrors.ErrConcurrentUpdate
		}
		return &Link{ReferrerID: *current, Linked: false}, nil
	}
	if err := s.store.InsertEdge(ctx, tx, referrerID, accountID); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit referral link: %w", err)
	}

	s.log.Info("referral linked", zap.String("referrer_id", referrerID.String()), zap.String("referred_id", accountID.String()))
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.ReferralLinked,
		AccountID: referrerID,
		Data:      map[string]any{"referred_id": accountID},
		At:        time.Now().UTC(),
	})
	return &Link{ReferrerID: referrerID, Linked: true}, nil
}

func (s *service) OnPaymentApproved(ctx context.Context, tx pgx.Tx, payerID uuid.UUID, amount int64, paymentID uuid.UUID) (*Payout, error) {
	first, err := s.store.MarkFirstPayment(ctx, tx, payerID)
	if err != nil {
		return nil, err
	}
	referrerID, banned, err := s.store.Referrer(ctx, tx, payerID)
	if err != nil {
		return nil, err
	}
	if referrerID == nil {
		return nil, nil
	}
	if first {
		if err := s.store.MarkActive(ctx, tx, *referrerID, payerID); err != nil {
			return nil, err
		}
	}
	if banned {
		s.log.Info("commission skipped, referrer banned",
			zap.String("referrer_id", referrerID.String()),
			zap.String("payment_id", paymentID.String()))
		return nil, nil
	}

	commission := Commission(amount, s.catalog.CommissionPercent)
	if commission <= 0 {
		return nil, nil
	}
	ref := paymentID
	if _, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
		AccountID:   *referrerID,
		Field:       models.FieldReferralBalance,
		Delta:       commission,
		Kind:        models.EntryReferral,
		ReferenceID: &ref,
		Description: fmt.Sprintf("%.0f%% of payment %s", s.catalog.CommissionPercent, paymentID),
	}); err != nil {
		return nil, err
	}
	if err := s.store.AddEarned(ctx, tx, *referrerID, payerID, commission); err != nil {
		return nil, err
	}
	return &Payout{ReferrerID: *referrerID, Amount: commission}, nil
}

func (s *service) PartnerStats(ctx context.Context, accountID uuid.UUID) (*PartnerStats, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	st := &PartnerStats{
		ReferralCode:      acc.ReferralCode,
		ReferralLink:      fmt.Sprintf("https://t.me/%s?start=ref_%s", s.catalog.BotUsername, acc.ReferralCode),
		TotalEarned:       acc.ReferralTotalEarned,
		AvailableBalance:  acc.ReferralBalance,
		TotalWithdrawn:    acc.ReferralWithdrawn,
		ReferralsTotal:    acc.ReferralsCount,
		ReferralsActive:   acc.ReferralsActive,
		MinWithdrawal:     s.catalog.MinWithdrawal,
		CommissionPercent: s.catalog.CommissionPercent,
	}
	if acc.SavedCard != nil {
		st.SavedCard = models.MaskCard(*acc.SavedCard)
		st.SavedCardType = models.CardTypeOf(*acc.SavedCard)
	}
	return st, nil
}

func (s *service) Referrals(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.ReferralEdge, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListEdges(ctx, accountID, limit)
}
