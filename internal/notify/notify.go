// Package notify publishes user-facing events (generation finished, top-up
// approved, ...) to whatever delivers them to the chat. Delivery is
// fire-and-forget: a sink never blocks or fails the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/logger"
)

const (
	GenerationStarted   = "generation.started"
	GenerationCompleted = "generation.completed"
	GenerationFailed    = "generation.failed"
	GenerationCancelled = "generation.cancelled"

	TopupRequested = "topup.requested"
	TopupApproved  = "topup.approved"
	TopupRejected  = "topup.rejected"

	WithdrawalRequested = "withdrawal.requested"
	WithdrawalApproved  = "withdrawal.approved"
	WithdrawalRejected  = "withdrawal.rejected"

	ReferralLinked     = "referral.linked"
	ReferralCommission = "referral.commission"
)

type Event struct {
	Kind      string         `json:"kind"`
	AccountID uuid.UUID      `json:"account_id"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

type Sink interface {
	Notify(ctx context.Context, e Event)
}

// LogSink writes events to the log only. Used when no broker is configured.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: logger.OrGlobal(log)}
}

func (s *LogSink) Notify(_ context.Context, e Event) {
	s.log.Info("notification",
		zap.String("kind", e.Kind),
		zap.String("account_id", e.AccountID.String()),
		zap.Any("data", e.Data),
	)
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []string {
	var out []string
	for _, e := range r.Events() {
		out = append(out, e.Kind)
	}
	return out
}
