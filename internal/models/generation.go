package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	GenerationPending    = "PENDING"
	GenerationProcessing = "PROCESSING"
	GenerationCompleted  = "COMPLETED"
	GenerationFailed     = "FAILED"
	GenerationRefunded   = "REFUNDED"
	GenerationCancelled  = "CANCELLED"
)

type Generation struct {
	ID             uuid.UUID       `json:"id"`
	AccountID      uuid.UUID       `json:"account_id"`
	ModelID        string          `json:"model_id"`
	ModelFamily    string          `json:"model_family"`
	Type           string          `json:"type"`
	Price          int64           `json:"price"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt,omitempty"`
	Params         json.RawMessage `json:"params,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	TaskHandle     *string         `json:"-"`
	RunID          *int64          `json:"-"`
	Status         string          `json:"status"`
	ResultURL      *string         `json:"result_url,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	TimeoutAt      time.Time       `json:"timeout_at"`
}

// Active reports whether the generation can still change state.
func (g *Generation) Active() bool {
	return g.Status == GenerationPending || g.Status == GenerationProcessing
}
