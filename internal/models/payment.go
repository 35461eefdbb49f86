package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	PaymentPending  = "PENDING"
	PaymentApproved = "APPROVED"
	PaymentRejected = "REJECTED"
)

const (
	WithdrawalPending  = "PENDING"
	WithdrawalFrozen   = "FROZEN"
	WithdrawalApproved = "APPROVED"
	WithdrawalRejected = "REJECTED"
)

const (
	CardUzcard = "UZCARD"
	CardHumo   = "HUMO"
)

// Payment is a top-up request awaiting an admin decision.
type Payment struct {
	ID             uuid.UUID  `json:"id"`
	AccountID      uuid.UUID  `json:"account_id"`
	Credits        int64      `json:"credits"`
	Price          int64      `json:"price"`
	ScreenshotRef  string     `json:"screenshot_ref,omitempty"`
	Status         string     `json:"status"`
	AdminID        *uuid.UUID `json:"admin_id,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	RejectReason   *string    `json:"reject_reason,omitempty"`
	ReferrerID     *uuid.UUID `json:"referrer_id,omitempty"`
	Commission     int64      `json:"commission"`
	IdempotencyKey string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Withdrawal is a payout of referral balance to a local bank card.
type Withdrawal struct {
	ID             uuid.UUID  `json:"id"`
	AccountID      uuid.UUID  `json:"account_id"`
	Amount         int64      `json:"amount"`
	CardNumber     string     `json:"-"`
	CardMasked     string     `json:"card"`
	CardType       string     `json:"card_type"`
	Status         string     `json:"status"`
	AdminID        *uuid.UUID `json:"admin_id,omitempty"`
	DecidedAt      *time.Time `json:"decided_at,omitempty"`
	RejectReason   *string    `json:"reject_reason,omitempty"`
	IdempotencyKey string     `json:"-"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Open reports whether the withdrawal still holds frozen funds.
func (w *Withdrawal) Open() bool {
	return w.Status == WithdrawalPending || w.Status == WithdrawalFrozen
}

// CardTypeOf returns the card network for a cleaned 16-digit number, or "".
func CardTypeOf(card string) string {
	switch {
	case len(card) != 16:
		return ""
	case strings.HasPrefix(card, "8600"):
		return CardUzcard
	case strings.HasPrefix(card, "9860"):
		return CardHumo
	default:
		return ""
	}
}

// MaskCard keeps the first four and last four digits.
func MaskCard(card string) string {
	if len(card) < 8 {
		return strings.Repeat("*", len(card))
	}
	return card[:4] + " **** **** " + card[len(card)-4:]
}
