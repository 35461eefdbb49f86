package models

// PlatformStats is the admin overview.
type PlatformStats struct {
	Accounts             int64 `json:"accounts"`
	BannedAccounts       int64 `json:"banned_accounts"`
	Generations          int64 `json:"generations"`
	ActiveGenerations    int64 `json:"active_generations"`
	CompletedGenerations int64 `json:"completed_generations"`
	ApprovedRevenue      int64 `json:"approved_revenue"`
	PendingPayments      int64 `json:"pending_payments"`
	PendingWithdrawals   int64 `json:"pending_withdrawals"`
	CommissionPaid       int64 `json:"commission_paid"`
}
