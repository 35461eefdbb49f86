package payments

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/lock"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/notify"
	"github.com/nanogen/backend/internal/referral"
)

const (
	DefaultRejectReason = "Payment not received"
	lockTTL             = 30 * time.Second
)

// Store is implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	AccountFlags(ctx context.Context, id uuid.UUID) (banned, admin bool, err error)
	LockAccount(ctx context.Context, tx pgx.Tx, id uuid.UUID) (banned bool, referralBalance int64, err error)
	AccountReferrer(ctx context.Context, id uuid.UUID) (*uuid.UUID, error)

	InsertPayment(ctx context.Context, p *models.Payment) error
	PaymentByKey(ctx context.Context, key string) (*models.Payment, error)
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	DecidePayment(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, adminID uuid.UUID, reason *string) (*models.Payment, error)
	SetCommission(ctx context.Context, tx pgx.Tx, id, referrerID uuid.UUID, amount int64) error
	AddSpentCurrency(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error
	ListPayments(ctx context.Context, status string, limit int) ([]*models.Payment, error)

	OpenWithdrawal(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (*models.Withdrawal, error)
	WithdrawalByKey(ctx context.Context, key string) (*models.Withdrawal, error)
	InsertWithdrawal(ctx context.Context, tx pgx.Tx, w *models.Withdrawal) error
	SaveCard(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, card string) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Withdrawal, error)
	DecideWithdrawal(ctx context.Context, tx pgx.Tx, id uuid.UUID, status string, adminID uuid.UUID, reason *string) (*models.Withdrawal, error)
	AddWithdrawn(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, amount int64) error
	ListWithdrawals(ctx context.Context, status string, limit int) ([]*models.Withdrawal, error)
}

// Commissioner pays the payer's referrer inside the approval transaction.
type Commissioner interface {
	OnPaymentApproved(ctx context.Context, tx pgx.Tx, payerID uuid.UUID, amount int64, paymentID uuid.UUID) (*referral.Payout, error)
}

type TopupResult struct {
	Payment   *models.Payment `json:"payment"`
	Duplicate bool            `json:"duplicate"`
}

type WithdrawalResult struct {
	Withdrawal *models.Withdrawal `json:"withdrawal"`
	Duplicate  bool               `json:"duplicate"`
}

type Service interface {
	CreateTopup(ctx context.Context, accountID uuid.UUID, credits int64, screenshotRef string) (*TopupResult, error)
	ApprovePayment(ctx context.Context, adminID, paymentID uuid.UUID) (*models.Payment, error)
	RejectPayment(ctx context.Context, adminID, paymentID uuid.UUID, reason string) (*models.Payment, error)
	PendingPayments(ctx context.Context, adminID uuid.UUID, limit int) ([]*models.Payment, error)

	CreateWithdrawal(ctx context.Context, accountID uuid.UUID, amount int64, card string) (*WithdrawalResult, error)
	ApproveWithdrawal(ctx context.Context, adminID, withdrawalID uuid.UUID) (*models.Withdrawal, error)
	RejectWithdrawal(ctx context.Context, adminID, withdrawalID uuid.UUID, reason string) (*models.Withdrawal, error)
	PendingWithdrawals(ctx context.Context, adminID uuid.UUID, limit int) ([]*models.Withdrawal, error)
}

type service struct {
	store    Store
	ledger   ledger.Service
	referral Commissioner
	catalog  *config.Catalog
	locker   lock.Locker
	sink     notify.Sink
	now      func() time.Time
	log      *zap.Logger
}

func NewService(store Store, ledgerSvc ledger.Service, commissioner Commissioner, catalog *config.Catalog, locker lock.Locker, sink notify.Sink, log *zap.Logger) Service {
	log = logger.OrGlobal(log)
	if locker == nil {
		locker = lock.Nop{}
	}
	if sink == nil {
		sink = notify.NewLogSink(log)
	}
	return &service{
		store:    store,
		ledger:   ledgerSvc,
		referral: commissioner,
		catalog:  catalog,
		locker:   locker,
		sink:     sink,
		now:      time.Now,
		log:      log,
	}
}

// IdempotencyKey buckets identical requests by the hour they were made in.
func IdempotencyKey(accountID uuid.UUID, amount int64, action string, at time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s:%s", accountID, amount, action, at.UTC().Format("2006010215"))))
	return hex.EncodeToString(sum[:])
}

// CleanCard strips spaces and dashes and returns the card network, or
// ErrInvalidCard.
func CleanCard(card string) (string, string, error) {
	cleaned := strings.NewReplacer(" ", "", "-", "").Replace(card)
	for _, c := range cleaned {
		if c < '0' || c > '9' {
			return "", "", apperrors.ErrInvalidCard.WithMessage("card number must contain digits only")
		}
	}
	if len(cleaned) != 16 {
		return "", "", apperrors.ErrInvalidCard.WithMessage("card number must have 16 digits")
	}
	cardType := models.CardTypeOf(cleaned)
	if cardType == "" {
		return "", "", apperrors.ErrInvalidCard.WithMessage("only UZCARD (8600) and HUMO (9860) cards are accepted")
	}
	return cleaned, cardType, nil
}

func (s *service) requireAdmin(ctx context.Context, adminID uuid.UUID) error {
	_, admin, err := s.store.AccountFlags(ctx, adminID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUserNotFound) {
			return apperrors.ErrAdminRequired
		}
		return err
	}
	if !admin {
		return apperrors.ErrAdminRequired
	}
	return nil
}

func (s *service) acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	release, err := s.locker.Acquire(ctx, key, lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, apperrors.ErrRequestInProgress
	}
	if err != nil {
		// the database conditionals still hold without the lock
		s.log.Warn("acquire lock", zap.String("key", key), zap.Error(err))
		return func(context.Context) error { return nil }, nil
	}
	return release, nil
}

func (s *service) release(release func(context.Context) error) {
	if err := release(context.Background()); err != nil {
		s.log.Warn("release lock", zap.Error(err))
	}
}

func (s *service) CreateTopup(ctx context.Context, accountID uuid.UUID, credits int64, screenshotRef string) (*TopupResult, error) {
	pkg, ok := s.catalog.Package(credits)
	if !ok {
		return nil, apperrors.ErrInvalidPackage
	}
	banned, _, err := s.store.AccountFlags(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, apperrors.ErrUserBanned
	}

	referrer, err := s.store.AccountReferrer(ctx, accountID)
	if err != nil {
		return nil, err
	}

	key := IdempotencyKey(accountID, pkg.Price, "topup", s.now())
	if existing, err := s.store.PaymentByKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return &TopupResult{Payment: existing, Duplicate: true}, nil
	}

	p := &models.Payment{
		ID:             uuid.New(),
		AccountID:      accountID,
		Credits:        pkg.Credits,
		Price:          pkg.Price,
		ScreenshotRef:  strings.TrimSpace(screenshotRef),
		Status:         models.PaymentPending,
		ReferrerID:     referrer,
		IdempotencyKey: key,
	}
	if err := s.store.InsertPayment(ctx, p); err != nil {
		if errors.Is(err, errDuplicateKey) {
			existing, err := s.store.PaymentByKey(ctx, key)
			if err != nil || existing == nil {
				return nil, apperrors.ErrDuplicateRequest
			}
			return &TopupResult{Payment: existing, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	s.log.Info("top-up requested",
		zap.String("payment_id", p.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.Int64("credits", p.Credits),
		zap.Int64("price", p.Price),
	)
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.TopupRequested,
		AccountID: accountID,
		Data:      map[string]any{"payment_id": p.ID, "credits": p.Credits, "price": p.Price},
		At:        s.now().UTC(),
	})
	return &TopupResult{Payment: p}, nil
}

func (s *service) ApprovePayment(ctx context.Context, adminID, paymentID uuid.UUID) (*models.Payment, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, "payment:"+paymentID.String())
	if err != nil {
		return nil, err
	}
	defer s.release(release)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.DecidePayment(ctx, tx, paymentID, models.PaymentApproved, adminID, nil)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, s.paymentConflict(ctx, paymentID)
	}

	ref := p.ID
	if _, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
		AccountID:   p.AccountID,
		Field:       models.FieldCredits,
		Delta:       p.Credits,
		Kind:        models.EntryTopup,
		ReferenceID: &ref,
		Description: fmt.Sprintf("Top-up: %d credits", p.Credits),
	}); err != nil {
		return nil, err
	}
	if err := s.store.AddSpentCurrency(ctx, tx, p.AccountID, p.Price); err != nil {
		return nil, err
	}

	var payout *referral.Payout
	if s.referral != nil {
		payout, err = s.referral.OnPaymentApproved(ctx, tx, p.AccountID, p.Price, p.ID)
		if err != nil {
			return nil, fmt.Errorf("referral commission: %w", err)
		}
	}
	if payout != nil {
		if err := s.store.SetCommission(ctx, tx, p.ID, payout.ReferrerID, payout.Amount); err != nil {
			return nil, err
		}
		if p.ReferrerID == nil {
			referrer := payout.ReferrerID
			p.ReferrerID = &referrer
		}
		p.Commission = payout.Amount
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit payment approval: %w", err)
	}

	s.log.Info("payment approved",
		zap.String("payment_id", p.ID.String()),
		zap.String("admin_id", adminID.String()),
		zap.Int64("credits", p.Credits),
		zap.Int64("commission", p.Commission),
	)
	at := s.now().UTC()
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.TopupApproved,
		AccountID: p.AccountID,
		Data:      map[string]any{"payment_id": p.ID, "credits": p.Credits},
		At:        at,
	})
	if payout != nil {
		s.sink.Notify(ctx, notify.Event{
			Kind:      notify.ReferralCommission,
			AccountID: payout.ReferrerID,
			Data:      map[string]any{"payment_id": p.ID, "amount": payout.Amount},
			At:        at,
		})
	}
	return p, nil
}

func (s *service) RejectPayment(ctx context.Context, adminID, paymentID uuid.UUID, reason string) (*models.Payment, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = DefaultRejectReason
	}
	release, err := s.acquire(ctx, "payment:"+paymentID.String())
	if err != nil {
		return nil, err
	}
	defer s.release(release)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	p, err := s.store.DecidePayment(ctx, tx, paymentID, models.PaymentRejected, adminID, &reason)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, s.paymentConflict(ctx, paymentID)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit payment rejection: %w", err)
	}

	s.log.Info("payment rejected", zap.String("payment_id", p.ID.String()), zap.String("reason", reason))
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.TopupRejected,
		AccountID: p.AccountID,
		Data:      map[string]any{"payment_id": p.ID, "reason": reason},
		At:        s.now().UTC(),
	})
	return p, nil
}

// paymentConflict explains why a conditional decision matched no row.
func (s *service) paymentConflict(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetPayment(ctx, id); err != nil {
		return err
	}
	return apperrors.ErrPaymentProcessed
}

func (s *service) PendingPayments(ctx context.Context, adminID uuid.UUID, limit int) ([]*models.Payment, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.ListPayments(ctx, models.PaymentPending, clampLimit(limit))
}

func (s *service) CreateWithdrawal(ctx context.Context, accountID uuid.UUID, amount int64, card string) (*WithdrawalResult, error) {
	cardNumber, cardType, err := CleanCard(card)
	if err != nil {
		return nil, err
	}
	if amount < s.catalog.MinWithdrawal {
		return nil, apperrors.ErrMinimumWithdrawal.WithMessage("minimum withdrawal is %d", s.catalog.MinWithdrawal)
	}

	key := IdempotencyKey(accountID, amount, "withdraw", s.now())
	if existing, err := s.store.WithdrawalByKey(ctx, key); err != nil {
		return nil, err
	} else if existing != nil {
		return &WithdrawalResult{Withdrawal: existing, Duplicate: true}, nil
	}

	release, err := s.acquire(ctx, "withdrawal:"+accountID.String())
	if err != nil {
		return nil, err
	}
	defer s.release(release)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	banned, balance, err := s.store.LockAccount(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, apperrors.ErrUserBanned
	}
	open, err := s.store.OpenWithdrawal(ctx, tx, accountID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, apperrors.ErrWithdrawalInProgress
	}
	if balance < amount {
		return nil, apperrors.ErrInsufficientFunds
	}

	wd := &models.Withdrawal{
		ID:             uuid.New(),
		AccountID:      accountID,
		Amount:         amount,
		CardNumber:     cardNumber,
		CardMasked:     models.MaskCard(cardNumber),
		CardType:       cardType,
		Status:         models.WithdrawalFrozen,
		IdempotencyKey: key,
	}
	if err := s.store.InsertWithdrawal(ctx, tx, wd); err != nil {
		if errors.Is(err, errDuplicateKey) {
			_ = tx.Rollback(ctx)
			existing, err := s.store.WithdrawalByKey(ctx, key)
			if err != nil || existing == nil {
				return nil, apperrors.ErrDuplicateRequest
			}
			return &WithdrawalResult{Withdrawal: existing, Duplicate: true}, nil
		}
		return nil, err
	}
	ref := wd.ID
	if _, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
		AccountID:   accountID,
		Field:       models.FieldReferralBalance,
		Delta:       -amount,
		Kind:        models.EntryWithdrawal,
		ReferenceID: &ref,
		Description: fmt.Sprintf("Withdrawal to %s", wd.CardMasked),
	}); err != nil {
		if errors.Is(err, apperrors.ErrConcurrentUpdate) {
			return nil, apperrors.ErrInsufficientFunds
		}
		return nil, err
	}
	if err := s.store.SaveCard(ctx, tx, accountID, cardNumber); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit withdrawal: %w", err)
	}

	s.log.Info("withdrawal requested",
		zap.String("withdrawal_id", wd.ID.String()),
		zap.String("account_id", accountID.String()),
		zap.Int64("amount", amount),
		zap.String("card_type", cardType),
	)
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.WithdrawalRequested,
		AccountID: accountID,
		Data:      map[string]any{"withdrawal_id": wd.ID, "amount": amount, "card": wd.CardMasked},
		At:        s.now().UTC(),
	})
	return &WithdrawalResult{Withdrawal: wd}, nil
}

func (s *service) ApproveWithdrawal(ctx context.Context, adminID, withdrawalID uuid.UUID) (*models.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	release, err := s.acquire(ctx, "withdrawal-decision:"+withdrawalID.String())
	if err != nil {
		return nil, err
	}
	defer s.release(release)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wd, err := s.store.DecideWithdrawal(ctx, tx, withdrawalID, models.WithdrawalApproved, adminID, nil)
	if err != nil {
		return nil, err
	}
	if wd == nil {
		return nil, s.withdrawalConflict(ctx, withdrawalID)
	}
	// the balance was debited when the withdrawal was frozen
	if err := s.store.AddWithdrawn(ctx, tx, wd.AccountID, wd.Amount); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit withdrawal approval: %w", err)
	}

	s.log.Info("withdrawal approved", zap.String("withdrawal_id", wd.ID.String()), zap.Int64("amount", wd.Amount))
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.WithdrawalApproved,
		AccountID: wd.AccountID,
		Data:      map[string]any{"withdrawal_id": wd.ID, "amount": wd.Amount, "card": wd.CardMasked},
		At:        s.now().UTC(),
	})
	return wd, nil
}

func (s *service) RejectWithdrawal(ctx context.Context, adminID, withdrawalID uuid.UUID, reason string) (*models.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "Withdrawal rejected"
	}
	release, err := s.acquire(ctx, "withdrawal-decision:"+withdrawalID.String())
	if err != nil {
		return nil, err
	}
	defer s.release(release)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	wd, err := s.store.DecideWithdrawal(ctx, tx, withdrawalID, models.WithdrawalRejected, adminID, &reason)
	if err != nil {
		return nil, err
	}
	if wd == nil {
		return nil, s.withdrawalConflict(ctx, withdrawalID)
	}
	ref := wd.ID
	if _, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
		AccountID:   wd.AccountID,
		Field:       models.FieldReferralBalance,
		Delta:       wd.Amount,
		Kind:        models.EntryRefund,
		ReferenceID: &ref,
		Description: "Withdrawal rejected: " + reason,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit withdrawal rejection: %w", err)
	}

	s.log.Info("withdrawal rejected", zap.String("withdrawal_id", wd.ID.String()), zap.String("reason", reason))
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.WithdrawalRejected,
		AccountID: wd.AccountID,
		Data:      map[string]any{"withdrawal_id": wd.ID, "amount": wd.Amount, "reason": reason},
		At:        s.now().UTC(),
	})
	return wd, nil
}

func (s *service) withdrawalConflict(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetWithdrawal(ctx, id); err != nil {
		return err
	}
	return apperrors.ErrWithdrawalProcessed
}

func (s *service) PendingWithdrawals(ctx context.Context, adminID uuid.UUID, limit int) ([]*models.Withdrawal, error) {
	if err := s.requireAdmin(ctx, adminID); err != nil {
		return nil, err
	}
	return s.store.ListWithdrawals(ctx, models.WithdrawalFrozen, clampLimit(limit))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
