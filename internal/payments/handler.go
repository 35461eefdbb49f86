package payments

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/respond"
)

type TopupRequest struct {
	Credits       int64  `json:"credits"`
	ScreenshotRef string `json:"screenshot_ref"`
}

type WithdrawalRequest struct {
	Amount int64  `json:"amount"`
	Card   string `json:"card"`
}

type RejectRequest struct {
	Reason string `json:"reason"`
}

type Handler struct {
	svc Service
	log *zap.Logger
}

func NewHandler(svc Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrGlobal(log)}
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok := middleware.AccountIDFromCtx(r.Context())
	if !ok {
		respond.Error(w, h.log, apperrors.ErrUnauthorized)
	}
	return id, ok
}

// CreateTopup handles POST /topups.
func (h *Handler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req TopupRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	res, err := h.svc.CreateTopup(r.Context(), accountID, req.Credits, req.ScreenshotRef)
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

// CreateWithdrawal handles POST /withdrawals.
func (h *Handler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req WithdrawalRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	res, err := h.svc.CreateWithdrawal(r.Context(), accountID, req.Amount, req.Card)
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

func (h *Handler) PendingPayments(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.svc.PendingPayments(r.Context(), adminID, respond.IntQuery(r, "limit", 50))
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"payments": list})
}

func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	adminID, id, ok := h.target(w, r, apperrors.ErrPaymentNotFound)
	if !ok {
		return
	}
	p, err := h.svc.ApprovePayment(r.Context(), adminID, id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

func (h *Handler) RejectPayment(w http.ResponseWriter, r *http.Request) {
	adminID, id, ok := h.target(w, r, apperrors.ErrPaymentNotFound)
	if !ok {
		return
	}
	var req RejectRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.Error(w, h.log, err)
			return
		}
	}
	p, err := h.svc.RejectPayment(r.Context(), adminID, id, req.Reason)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, p)
}

func (h *Handler) PendingWithdrawals(w http.ResponseWriter, r *http.Request) {
	adminID, ok := h.caller(w, r)
	if !ok {
		return
	}
	list, err := h.svc.PendingWithdrawals(r.Context(), adminID, respond.IntQuery(r, "limit", 50))
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, map[string]any{"withdrawals": list})
}

func (h *Handler) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID, id, ok := h.target(w, r, apperrors.ErrWithdrawalNotFound)
	if !ok {
		return
	}
	wd, err := h.svc.ApproveWithdrawal(r.Context(), adminID, id)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, wd)
}

func (h *Handler) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	adminID, id, ok := h.target(w, r, apperrors.ErrWithdrawalNotFound)
	if !ok {
		return
	}
	var req RejectRequest
	if r.ContentLength != 0 {
		if err := respond.Decode(r, &req); err != nil {
			respond.Error(w, h.log, err)
			return
		}
	}
	wd, err := h.svc.RejectWithdrawal(r.Context(), adminID, id, req.Reason)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	respond.JSON(w, http.StatusOK, wd)
}

func (h *Handler) target(w http.ResponseWriter, r *http.Request, notFound error) (uuid.UUID, uuid.UUID, bool) {
	adminID, ok := h.caller(w, r)
	if !ok {
		return uuid.Nil, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respond.Error(w, h.log, notFound)
		return uuid.Nil, uuid.Nil, false
	}
	return adminID, id, true
}
