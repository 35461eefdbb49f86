package jobs

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/respond"
)

type CreateGenerationRequest struct {
	Model          string          `json:"model"`
	Type           string          `json:"type"`
	Prompt         string          `json:"prompt"`
	NegativePrompt string          `json:"negative_prompt"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Handler struct {
	svc Service
	log *zap.Logger
}

func NewHandler(svc Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrGlobal(log)}
}

// Create handles POST /generations. The Idempotency-Key header wins over
// the body field. A replayed key answers 200 instead of 201.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
		return
	}
	var req CreateGenerationRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	key := req.IdempotencyKey
	if hk := r.Header.Get("Idempotency-Key"); hk != "" {
		key = hk
	}
	res, err := h.svc.Create(r.Context(), CreateRequest{
		AccountID:      accountID,
		ModelID:        req.Model,
		Type:           req.Type,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Params:         req.Params,
		IdempotencyKey: key,
	})
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	respond.JSON(w, status, res)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
		return
	}
	list, err := h.svc.History(r.Context(), accountID, respond.IntQuery(r, "limit", 20))
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"generations": list})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	accountID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	g, err := h.svc.Get(r.Context(), accountID, id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, g)
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	g, err := h.svc.Cancel(r.Context(), accountID, id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, g)
}

// target reads the caller and the {id} path parameter.
func (h *Handler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, h.log, apperrors.ErrGenerationNotFound)
		return uuid.Nil, uuid.Nil, false
	}
	return accountID, id, true
}
