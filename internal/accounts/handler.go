package accounts

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/respond"
)

// SessionRequest is sent by the chat bot for every user it talks to.
type SessionRequest struct {
	ExternalID   int64  `json:"external_id"`
	Username     string `json:"username"`
	ReferralCode string `json:"referral_code"`
}

type Handler struct {
	svc Service
	log *zap.Logger
}

func NewHandler(svc Service, log *zap.Logger) *Handler {
	return &Handler{svc: svc, log: logger.OrGlobal(log)}
}

// Session handles POST /session. The route sits behind the bot key check.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, h.log, err)
		return
	}
	if req.ExternalID <= 0 {
		respond.Error(w, h.log, apperrors.ErrValidation.WithMessage("external_id is required"))
		return
	}
	code := strings.ToUpper(strings.TrimPrefix(strings.TrimSpace(req.ReferralCode), "ref_"))

	sess, err := h.svc.EnsureAccount(r.Context(), req.ExternalID, strings.TrimSpace(req.Username), code)
	if err != nil {
		respond.Error(w, h.log, err)
		return
	}
	status := http.StatusOK
	if sess.Created {
		status = http.StatusCreated
	}
	respond.JSON(w, status, sess)
}
