package dashboard

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/accounts"
	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/respond"
)

type BonusRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type Handler struct {
	accounts accounts.Service
	ledger   ledger.Service
	catalog  *config.Catalog
	log      *zap.Logger
}

func NewHandler(accountSvc accounts.Service, ledgerSvc ledger.Service, catalog *config.Catalog, log *zap.Logger) *Handler {
	return &Handler{
		accounts: accountSvc,
		ledger:   ledgerSvc,
		catalog:  catalog,
		log:      logger.OrGlobal(log),
	}
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
	}
	return id, ok
}

// GET /api/v1/me
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	acc, err := h.accounts.Get(r.Context(), accountID)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, acc)
}

// GET /api/v1/ledger
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	limit := respond.IntQuery(r, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	entries, err := h.ledger.Entries(r.Context(), accountID, limit)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	if entries == nil {
		entries = []*models.LedgerEntry{}
	}
	respond.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// GET /api/v1/models
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	list := make([]config.Model, 0, len(h.catalog.Models))
	for _, m := range h.catalog.Models {
		m.EstimatedSeconds = m.Estimate(h.catalog.DefaultEstimate)
		list = append(list, m)
	}
	respond.JSON(w, http.StatusOK, map[string]any{"models": list})
}

// GET /api/v1/packages
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	respond.JSON(w, http.StatusOK, map[string]any{"packages": h.catalog.Packages})
}

// POST /api/v1/admin/accounts/{id}/ban
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, true)
}

// POST /api/v1/admin/accounts/{id}/unban
func (h *Handler) Unban(w http.ResponseWriter, r *http.Request) {
	h.setBanned(w, r, false)
}

func (h *Handler) setBanned(w http.ResponseWriter, r *http.Request, banned bool) {
	adminID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	if err := h.accounts.SetBanned(r.Context(), adminID, id, banned); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"account_id": id, "banned": banned})
}

// POST /api/v1/admin/accounts/{id}/bonus
func (h *Handler) GrantBonus(w http.ResponseWriter, r *http.Request) {
	adminID, id, ok := h.target(w, r)
	if !ok {
		return
	}
	var req BonusRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	entry, err := h.accounts.GrantBonus(r.Context(), adminID, id, req.Amount, req.Reason)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, entry)
}

// GET /api/v1/admin/stats
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.caller(w, r)
	if !ok {
		return
	}
	st, err := h.accounts.Stats(r.Context(), adminID)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	adminID, ok := h.caller(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, h.log, apperrors.ErrUserNotFound)
		return uuid.Nil, uuid.Nil, false
	}
	return adminID, id, true
}
