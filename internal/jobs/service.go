package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/execution"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/notify"
)

const (
	maxPromptLen         = 2000
	maxNegativePromptLen = 1000
	maxKeyLen            = 64
	sweepBatch           = 100
	cancelReason         = "Cancelled by user"
)

// Store is implemented by *Repository.
type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (banned bool, credits int64, err error)
	GetByIdempotencyKey(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, key string) (*models.Generation, error)
	FindByIdempotencyKey(ctx context.Context, accountID uuid.UUID, key string) (*models.Generation, error)
	CountActive(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (int, error)
	CountSince(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, since time.Time) (int, error)
	Insert(ctx context.Context, tx pgx.Tx, g *models.Generation) error
	RecordGeneration(ctx context.Context, tx pgx.Tx, accountID uuid.UUID, price int64) error
	SetRunID(ctx context.Context, tx pgx.Tx, id uuid.UUID, runID int64) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	ListByAccount(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (*models.Generation, error)
	SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error
	Complete(ctx context.Context, id uuid.UUID, resultURL string) (*models.Generation, error)
	Finish(ctx context.Context, tx pgx.Tx, id uuid.UUID, status, reason string) (*models.Generation, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// InsertProcessTxFunc enqueues processing of a generation within tx and
// returns the queue job id. Provided by main using river.Client.InsertTx.
type InsertProcessTxFunc func(ctx context.Context, tx pgx.Tx, args execution.ProcessGenerationArgs) (int64, error)

// CancelRunFunc asks the queue to stop a queued or running job.
type CancelRunFunc func(ctx context.Context, runID int64) error

type CreateRequest struct {
	AccountID      uuid.UUID
	ModelID        string
	Type           string
	Prompt         string
	NegativePrompt string
	Params         json.RawMessage
	IdempotencyKey string
}

type CreateResult struct {
	Generation       *models.Generation `json:"generation"`
	Duplicate        bool               `json:"duplicate"`
	EstimatedSeconds int                `json:"estimated_seconds"`
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*CreateResult, error)
	// Get returns a generation owned by accountID.
	Get(ctx context.Context, accountID, id uuid.UUID) (*models.Generation, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error)
	Cancel(ctx context.Context, accountID, id uuid.UUID) (*models.Generation, error)
}

type service struct {
	store     Store
	ledger    ledger.Service
	catalog   *config.Catalog
	params    *ParamValidator
	sink      notify.Sink
	log       *zap.Logger
	insert    InsertProcessTxFunc
	cancelRun CancelRunFunc
	now       func() time.Time
}

// NewService creates the generation service. insert is typically a closure
// over river.Client.InsertTx and cancelRun over river.Client.JobCancel;
// cancelRun may be nil. Returns *service so the River workers can use it as
// execution.GenerationService.
func NewService(store Store, ledgerSvc ledger.Service, catalog *config.Catalog, params *ParamValidator,
	sink notify.Sink, insert InsertProcessTxFunc, cancelRun CancelRunFunc, log *zap.Logger) *service {
	log = logger.OrGlobal(log)
	if sink == nil {
		sink = notify.NewLogSink(log)
	}
	return &service{
		store:     store,
		ledger:    ledgerSvc,
		catalog:   catalog,
		params:    params,
		sink:      sink,
		log:       log,
		insert:    insert,
		cancelRun: cancelRun,
		now:       time.Now,
	}
}

var (
	_ Service                     = (*service)(nil)
	_ execution.GenerationService = (*service)(nil)
)

func (r *CreateRequest) normalize() error {
	r.ModelID = strings.TrimSpace(r.ModelID)
	r.Type = strings.ToLower(strings.TrimSpace(r.Type))
	r.Prompt = strings.TrimSpace(r.Prompt)
	r.NegativePrompt = strings.TrimSpace(r.NegativePrompt)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)

	switch {
	case r.ModelID == "":
		return apperrors.ErrValidation.WithMessage("model is required")
	case r.Prompt == "":
		return apperrors.ErrValidation.WithMessage("prompt is required")
	case utf8.RuneCountInString(r.Prompt) > maxPromptLen:
		return apperrors.ErrValidation.WithMessage("prompt must be at most %d characters", maxPromptLen)
	case utf8.RuneCountInString(r.NegativePrompt) > maxNegativePromptLen:
		return apperrors.ErrValidation.WithMessage("negative prompt must be at most %d characters", maxNegativePromptLen)
	case len(r.IdempotencyKey) > maxKeyLen:
		return apperrors.ErrValidation.WithMessage("idempotency key must be at most %d characters", maxKeyLen)
	}
	return nil
}

func (s *service) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	model, ok := s.catalog.Model(req.ModelID)
	if ok {
		if req.Type != "" && req.Type != model.Type {
			return nil, apperrors.ErrValidation.WithMessage("model %q generates %s, not %s", model.ID, model.Type, req.Type)
		}
	} else {
		if req.Type != config.TypeImage && req.Type != config.TypeVideo {
			return nil, apperrors.ErrValidation.WithMessage("type must be %q or %q", config.TypeImage, config.TypeVideo)
		}
		model = s.catalog.Resolve(req.ModelID, req.Type)
	}
	params, err := s.params.Validate(model.Family, req.Params)
	if err != nil {
		return nil, err
	}

	res, err := s.create(ctx, req, model, params)
	if errors.Is(err, ErrDuplicateKey) {
		// a concurrent request with the same key committed first
		existing, ferr := s.store.FindByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
		if ferr != nil {
			return nil, ferr
		}
		return &CreateResult{Generation: existing, Duplicate: true, EstimatedSeconds: model.Estimate(s.catalog.DefaultEstimate)}, nil
	}
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		s.log.Info("generation created",
			zap.String("generation_id", res.Generation.ID.String()),
			zap.String("account_id", req.AccountID.String()),
			zap.String("model", model.ID),
			zap.Int64("price", model.Price))
	}
	return res, nil
}

func (s *service) create(ctx context.Context, req CreateRequest, model config.Model, params json.RawMessage) (*CreateResult, error) {
	limits := s.catalog.Generation
	estimate := model.Estimate(s.catalog.DefaultEstimate)

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	banned, credits, err := s.store.LockAccount(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if banned {
		return nil, apperrors.ErrUserBanned
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.GetByIdempotencyKey(ctx, tx, req.AccountID, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &CreateResult{Generation: existing, Duplicate: true, EstimatedSeconds: estimate}, nil
		}
	}

	active, err := s.store.CountActive(ctx, tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if active >= limits.MaxActive {
		return nil, apperrors.ErrMaxActive.WithMessage("at most %d generations can run at once", limits.MaxActive)
	}
	now := s.now()
	recent, err := s.store.CountSince(ctx, tx, req.AccountID, now.Add(-limits.RateWindow))
	if err != nil {
		return nil, err
	}
	if recent >= limits.RateLimit {
		return nil, apperrors.ErrRateLimited
	}
	if credits < model.Price {
		return nil, apperrors.ErrInsufficientCredit.WithMessage("generation costs %d credits, balance is %d", model.Price, credits)
	}

	g := &models.Generation{
		ID:             uuid.New(),
		AccountID:      req.AccountID,
		ModelID:        model.ID,
		ModelFamily:    model.Family,
		Type:           model.Type,
		Price:          model.Price,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Params:         params,
		Status:         models.GenerationPending,
		CreatedAt:      now,
		TimeoutAt:      now.Add(limits.Timeout),
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		g.IdempotencyKey = &key
	}
	if err := s.store.Insert(ctx, tx, g); err != nil {
		return nil, err
	}
	ref := g.ID
	if _, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
		AccountID:   req.AccountID,
		Field:       models.FieldCredits,
		Delta:       -model.Price,
		Kind:        models.EntryGeneration,
		ReferenceID: &ref,
		Description: "Generation: " + model.Name,
	}); err != nil {
		return nil, err
	}
	if err := s.store.RecordGeneration(ctx, tx, req.AccountID, model.Price); err != nil {
		return nil, err
	}
	runID, err := s.insert(ctx, tx, execution.ProcessGenerationArgs{GenerationID: g.ID})
	if err != nil {
		return nil, fmt.Errorf("enqueue generation: %w", err)
	}
	if err := s.store.SetRunID(ctx, tx, g.ID, runID); err != nil {
		return nil, err
	}
	g.RunID = &runID

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &CreateResult{Generation: g, EstimatedSeconds: estimate}, nil
}

func (s *service) Get(ctx context.Context, accountID, id uuid.UUID) (*models.Generation, error) {
	g, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if g.AccountID != accountID {
		return nil, apperrors.ErrNotOwner
	}
	return g, nil
}

func (s *service) History(ctx context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}

func (s *service) Cancel(ctx context.Context, accountID, id uuid.UUID) (*models.Generation, error) {
	g, err := s.Get(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if !g.Active() {
		return nil, apperrors.ErrGenerationFinished
	}
	done, err := s.finish(ctx, id, models.GenerationCancelled, cancelReason)
	if err != nil {
		return nil, err
	}
	if done == nil {
		// the worker or the sweep got there first
		return nil, apperrors.ErrGenerationFinished
	}
	if done.RunID != nil && s.cancelRun != nil {
		if err := s.cancelRun(ctx, *done.RunID); err != nil {
			s.log.Warn("cancel queue job", zap.String("generation_id", id.String()), zap.Error(err))
		}
	}
	return done, nil
}

// finish moves an active generation to status and refunds its price in the
// same transaction. Returns nil when it was already terminal.
func (s *service) finish(ctx context.Context, id uuid.UUID, status, reason string) (*models.Generation, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	g, err := s.store.Finish(ctx, tx, id, status, reason)
	if err != nil || g == nil {
		return nil, err
	}
	ref := g.ID
	desc := "Refund for failed generation"
	if status == models.GenerationCancelled {
		desc = "Refund for cancelled generation"
	}
	if _, err := s.ledger.Adjust(ctx, tx, ledger.Adjustment{
		AccountID:   g.AccountID,
		Field:       models.FieldCredits,
		Delta:       g.Price,
		Kind:        models.EntryRefund,
		ReferenceID: &ref,
		Description: desc,
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	kind := notify.GenerationFailed
	if status == models.GenerationCancelled {
		kind = notify.GenerationCancelled
	}
	s.log.Info("generation refunded",
		zap.String("generation_id", id.String()),
		zap.String("status", status),
		zap.String("reason", reason),
		zap.Int64("refund", g.Price))
	s.sink.Notify(ctx, notify.Event{
		Kind:      kind,
		AccountID: g.AccountID,
		Data:      map[string]any{"generation_id": g.ID, "status": status, "reason": reason, "refunded": g.Price},
		At:        s.now(),
	})
	return g, nil
}

// Load implements execution.GenerationService.
func (s *service) Load(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	return s.store.GetByID(ctx, id)
}

// MarkProcessing implements execution.GenerationService. Returns nil when the
// generation is no longer PENDING.
func (s *service) MarkProcessing(ctx context.Context, id uuid.UUID) (*models.Generation, error) {
	g, err := s.store.MarkProcessing(ctx, id)
	if err != nil || g == nil {
		return nil, err
	}
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.GenerationStarted,
		AccountID: g.AccountID,
		Data:      map[string]any{"generation_id": g.ID, "model": g.ModelID},
		At:        s.now(),
	})
	return g, nil
}

func (s *service) SetTaskHandle(ctx context.Context, id uuid.UUID, handle string) error {
	return s.store.SetTaskHandle(ctx, id, handle)
}

// Complete implements execution.GenerationService.
func (s *service) Complete(ctx context.Context, id uuid.UUID, resultURL string) error {
	g, err := s.store.Complete(ctx, id, resultURL)
	if err != nil {
		return err
	}
	if g == nil {
		s.log.Info("generation finished elsewhere, result dropped", zap.String("generation_id", id.String()))
		return nil
	}
	s.log.Info("generation completed", zap.String("generation_id", id.String()))
	s.sink.Notify(ctx, notify.Event{
		Kind:      notify.GenerationCompleted,
		AccountID: g.AccountID,
		Data:      map[string]any{"generation_id": g.ID, "result_url": resultURL, "type": g.Type},
		At:        s.now(),
	})
	return nil
}

// Fail implements execution.GenerationService. Every failure refunds and
// leaves the generation FAILED; the cause's code is kept in the error text.
func (s *service) Fail(ctx context.Context, id uuid.UUID, cause error) error {
	_, err := s.finish(ctx, id, models.GenerationFailed, failureReason(cause))
	return err
}

// ReconcileExpired implements execution.GenerationService: every active
// generation past its deadline is refunded and failed.
func (s *service) ReconcileExpired(ctx context.Context) (int, error) {
	ids, err := s.store.ListExpired(ctx, s.now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		g, err := s.finish(ctx, id, models.GenerationFailed, failureReason(apperrors.ErrGenerationTimeout))
		if err != nil {
			s.log.Error("expire generation", zap.String("generation_id", id.String()), zap.Error(err))
			continue
		}
		if g != nil {
			n++
		}
	}
	return n, nil
}

func failureReason(err error) string {
	if e, ok := apperrors.As(err); ok {
		return e.Code + ": " + e.Message
	}
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
