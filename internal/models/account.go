package models

import (
	"time"

	"github.com/google/uuid"
)

type Account struct {
	ID                  uuid.UUID  `json:"id"`
	ExternalID          int64      `json:"external_id"`
	Username            string     `json:"username"`
	Credits             int64      `json:"credits"`
	ReferralBalance     int64      `json:"referral_balance"`
	ReferralTotalEarned int64      `json:"referral_total_earned"`
	ReferralWithdrawn   int64      `json:"referral_withdrawn"`
	ReferrerID          *uuid.UUID `json:"referrer_id,omitempty"`
	ReferralCode        string     `json:"referral_code"`
	IsBanned            bool       `json:"is_banned"`
	IsAdmin             bool       `json:"is_admin"`
	TotalGenerations    int64      `json:"total_generations"`
	TotalSpentCredits   int64      `json:"total_spent_credits"`
	TotalSpentCurrency  int64      `json:"total_spent_currency"`
	ReferralsCount      int64      `json:"referrals_count"`
	ReferralsActive     int64      `json:"referrals_active"`
	SavedCard           *string    `json:"-"`
	FirstPaymentAt      *time.Time `json:"first_payment_at,omitempty"`
	LastActiveAt        *time.Time `json:"last_active_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Balance is the pair of spendable balances held on an account.
type Balance struct {
	Credits         int64 `json:"credits"`
	ReferralBalance int64 `json:"referral_balance"`
}

// ReferralEdge records who brought whom; one row per referred account.
type ReferralEdge struct {
	ReferrerID   uuid.UUID  `json:"referrer_id"`
	ReferredID   uuid.UUID  `json:"referred_id"`
	ReferredName string     `json:"referred_username,omitempty"`
	TotalEarned  int64      `json:"total_earned"`
	FirstPaidAt  *time.Time `json:"first_paid_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}
