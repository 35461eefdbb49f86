package referral

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/respond"
)

type LinkRequest struct {
	Code string `json:"code"`
}

type Handler struct {
	svc Service
	log *zap.Logger
}

func NewHandler(svc Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrGlobal(log)}
}

// Link handles POST /referral/link. Codes from deep links arrive as
// "ref_<code>".
func (h *Handler) Link(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
		return
	}
	var req LinkRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	code := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(req.Code), "ref_"))
	if code == "" {
		respond.Error(w, h.log, apperrors.ErrValidation.WithMessage("code is required"))
		return
	}
	link, err := h.svc.LinkReferrer(r.Context(), accountID, code)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, link)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
		return
	}
	st, err := h.svc.PartnerStats(r.Context(), accountID)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, st)
}

func (h *Handler) Referrals(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
		return
	}
	list, err := h.svc.Referrals(r.Context(), accountID, respond.IntQuery(r, "limit", 50))
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"referrals": list})
}
