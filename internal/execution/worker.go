package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/provider"
)

// QueueGenerations is the River queue generation jobs run on.
const QueueGenerations = "generations"

type ProcessGenerationArgs struct {
	GenerationID uuid.UUID `json:"generation_id"`
}

func (ProcessGenerationArgs) Kind() string { return "process_generation" }

func (ProcessGenerationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{Queue: QueueGenerations, MaxAttempts: 3}
}

// GenerationService defines the contract the workers need to move a
// generation through its states. Every terminal call is a no-op when the
// generation already left PENDING/PROCESSING.
type GenerationService interface {
	Load(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error
	Complete(ctx context.Context, id uuid.UUID, resultURL string) error
	Fail(ctx context.Context, id uuid.UUID, cause error) error
	ReconcileExpired(ctx context.Context) (int, error)
}

var (
	errNoResult    = errors.New("provider finished without a result URL")
	errInterrupted = errors.New("interrupted before the provider returned a task handle")
)

type ProcessGenerationWorker struct {
	river.WorkerDefaults[ProcessGenerationArgs]
	svc      GenerationService
	provider provider.Provider
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger
}

// NewProcessGenerationWorker builds the worker. interval is the video poll
// period; timeout is the generation deadline, which bounds each run.
func NewProcessGenerationWorker(svc GenerationService, p provider.Provider, interval, timeout time.Duration, log *zap.Logger) *ProcessGenerationWorker {
	return &ProcessGenerationWorker{
		svc:      svc,
		provider: p,
		interval: interval,
		timeout:  timeout,
		log:      logger.OrGlobal(log),
	}
}

// Timeout leaves room past the generation deadline for the refund to run.
func (w *ProcessGenerationWorker) Timeout(*river.Job[ProcessGenerationArgs]) time.Duration {
	return w.timeout + time.Minute
}

func (w *ProcessGenerationWorker) Work(ctx context.Context, job *river.Job[ProcessGenerationArgs]) (err error) {
	id := job.Args.GenerationID
	log := w.log.With(zap.String("generation_id", id.String()), zap.Int("attempt", job.Attempt))

	defer func() {
		if r := recover(); r != nil {
			log.Error("generation worker panic", zap.Any("panic", r))
			err = w.fail(context.WithoutCancel(ctx), id, fmt.Errorf("internal error: %v", r))
		}
	}()

	g, err := w.svc.MarkProcessing(ctx, id)
	if err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}
	if g == nil {
		// redelivery: resume only if an earlier attempt left it PROCESSING
		g, err = w.svc.Load(ctx, id)
		if err != nil {
			return fmt.Errorf("load generation: %w", err)
		}
		if g.Status != models.GenerationProcessing {
			log.Info("generation no longer pending, skipping", zap.String("status", g.Status))
			return nil
		}
		// without a handle the provider may already be running (and billing)
		// an earlier submit, so resubmitting could pay for it twice
		if g.TaskHandle == nil || *g.TaskHandle == "" {
			return w.fail(ctx, id, errInterrupted)
		}
		log.Info("resuming generation")
	}

	deadlineCtx, cancel := context.WithDeadline(ctx, g.TimeoutAt)
	defer cancel()

	handle := ""
	if g.TaskHandle != nil {
		handle = *g.TaskHandle
	}
	if handle == "" {
		sub, err := w.provider.Submit(deadlineCtx, provider.Request{
			Model:          g.ModelID,
			Type:           g.Type,
			Prompt:         g.Prompt,
			NegativePrompt: g.NegativePrompt,
			Params:         g.Params,
		})
		if err != nil {
			return w.settle(ctx, deadlineCtx, id, err)
		}
		switch sub.Status {
		case provider.StatusCompleted:
			if sub.ResultURL == "" {
				return w.fail(ctx, id, errNoResult)
			}
			return w.svc.Complete(ctx, id, sub.ResultURL)
		case provider.StatusFailed:
			return w.fail(ctx, id, errNoResult)
		}
		if sub.Handle == "" {
			return w.fail(ctx, id, errNoResult)
		}
		handle = sub.Handle
		if err := w.svc.SetTaskHandle(ctx, id, handle); err != nil {
			log.Warn("store task handle", zap.Error(err))
		}
		log.Info("generation submitted", zap.String("handle", handle))
	}
	return w.poll(ctx, deadlineCtx, id, handle, log)
}

// poll checks the provider every interval until it reports a terminal status,
// the generation stops being PROCESSING, or the deadline passes.
func (w *ProcessGenerationWorker) poll(ctx, deadlineCtx context.Context, id uuid.UUID, handle string, log *zap.Logger) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-deadlineCtx.Done():
			return w.settle(ctx, deadlineCtx, id, deadlineCtx.Err())
		case <-ticker.C:
		}
		if deadlineCtx.Err() != nil {
			return w.settle(ctx, deadlineCtx, id, deadlineCtx.Err())
		}

		cur, err := w.svc.Load(ctx, id)
		if err != nil {
			log.Warn("reload generation", zap.Error(err))
			continue
		}
		if cur.Status != models.GenerationProcessing {
			log.Info("generation left processing, stop polling", zap.String("status", cur.Status))
			return nil
		}

		res, err := w.provider.Poll(deadlineCtx, handle)
		if err != nil {
			if deadlineCtx.Err() == nil {
				log.Warn("poll provider", zap.Error(err))
			}
			continue
		}
		switch res.Status {
		case provider.StatusCompleted:
			if res.ResultURL == "" {
				return w.fail(ctx, id, errNoResult)
			}
			return w.svc.Complete(ctx, id, res.ResultURL)
		case provider.StatusFailed:
			return w.fail(ctx, id, fmt.Errorf("provider failed: %s", res.Error))
		}
	}
}

// settle decides what an error from a provider call means. A cancelled run
// (user cancel or shutdown) leaves the generation alone; a passed deadline
// is a timeout; anything else is a failure.
func (w *ProcessGenerationWorker) settle(ctx, deadlineCtx context.Context, id uuid.UUID, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(deadlineCtx.Err(), context.DeadlineExceeded) {
		return w.fail(ctx, id, apperrors.ErrGenerationTimeout)
	}
	return w.fail(ctx, id, err)
}

func (w *ProcessGenerationWorker) fail(ctx context.Context, id uuid.UUID, cause error) error {
	w.log.Info("generation failed", zap.String("generation_id", id.String()), zap.Error(cause))
	if err := w.svc.Fail(ctx, id, cause); err != nil {
		return fmt.Errorf("generation failed (%v) AND refund failed: %w", cause, err)
	}
	return nil
}
