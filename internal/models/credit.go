package models

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry kinds.
const (
	EntryTopup      = "TOPUP"
	EntryGeneration = "GENERATION"
	EntryRefund     = "REFUND"
	EntryReferral   = "REFERRAL"
	EntryWithdrawal = "WITHDRAWAL"
	EntryBonus      = "BONUS"
)

// Balance fields a ledger entry can move.
type BalanceField string

const (
	FieldCredits         BalanceField = "credits"
	FieldReferralBalance BalanceField = "referral_balance"
)

// LedgerEntry is append-only. Amount is signed.
type LedgerEntry struct {
	ID           uuid.UUID    `json:"id"`
	AccountID    uuid.UUID    `json:"account_id"`
	Field        BalanceField `json:"field"`
	Kind         string       `json:"kind"`
	Amount       int64        `json:"amount"`
	BalanceAfter int64        `json:"balance_after"`
	ReferenceID  *uuid.UUID   `json:"reference_id,omitempty"`
	Description  string       `json:"description,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}
