// Package provider talks to the upstream generation API.
package provider

//go:generate mockgen -source=provider.go -destination=mock_provider.go -package=provider

import (
	"context"
	"encoding/json"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

type Request struct {
	Model          string
	Type           string
	Prompt         string
	NegativePrompt string
	Params         json.RawMessage
}

// Submission is the provider's answer to a new request. Images usually come
// back completed with a ResultURL; videos come back pending with a Handle.
type Submission struct {
	Handle    string
	Status    Status
	ResultURL string
}

type PollResult struct {
	Status    Status
	ResultURL string
	Error     string
}

type Provider interface {
	Submit(ctx context.Context, req Request) (*Submission, error)
	Poll(ctx context.Context, handle string) (*PollResult, error)
}
