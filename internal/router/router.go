package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/accounts"
	"github.com/nanogen/backend/internal/auth"
	"github.com/nanogen/backend/internal/dashboard"
	"github.com/nanogen/backend/internal/jobs"
	"github.com/nanogen/backend/internal/logger"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/payments"
	"github.com/nanogen/backend/internal/referral"
	"github.com/nanogen/backend/internal/respond"
)

type Handlers struct {
	Accounts  *accounts.Handler
	Dashboard *dashboard.Handler
	Jobs      *jobs.Handler
	Payments  *payments.Handler
	Referral  *referral.Handler
}

// New returns an http.Handler that serves the API under /api/v1.
func New(h Handlers, authSvc auth.Service, limiter *middleware.AccountLimiter, log *zap.Logger) http.Handler {
	log = logger.OrGlobal(log)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "message": "no such route"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusMethodNotAllowed, map[string]string{"code": "METHOD_NOT_ALLOWED", "message": "method not allowed"})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respond.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.BotKey(authSvc, log))
			r.Post("/session", h.Accounts.Session)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Authenticate(authSvc, log))
			r.Use(middleware.RateLimit(limiter, log))

			r.Get("/me", h.Dashboard.GetMe)
			r.Get("/ledger", h.Dashboard.ListLedger)
			r.Get("/models", h.Dashboard.ListModels)
			r.Get("/packages", h.Dashboard.ListPackages)

			r.Route("/generations", func(r chi.Router) {
				r.Post("/", h.Jobs.Create)
				r.Get("/", h.Jobs.List)
				r.Get("/{id}", h.Jobs.Get)
				r.Post("/{id}/cancel", h.Jobs.Cancel)
			})

			r.Post("/topups", h.Payments.CreateTopup)
			r.Post("/withdrawals", h.Payments.CreateWithdrawal)

			r.Route("/referral", func(r chi.Router) {
				r.Post("/link", h.Referral.Link)
				r.Get("/stats", h.Referral.Stats)
				r.Get("/referrals", h.Referral.Referrals)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(middleware.RequireAdmin(log))

				r.Get("/payments", h.Payments.PendingPayments)
				r.Post("/payments/{id}/approve", h.Payments.ApprovePayment)
				r.Post("/payments/{id}/reject", h.Payments.RejectPayment)

				r.Get("/withdrawals", h.Payments.PendingWithdrawals)
				r.Post("/withdrawals/{id}/approve", h.Payments.ApproveWithdrawal)
				r.Post("/withdrawals/{id}/reject", h.Payments.RejectWithdrawal)

				r.Post("/accounts/{id}/ban", h.Dashboard.Ban)
				r.Post("/accounts/{id}/unban", h.Dashboard.Unban)
				r.Post("/accounts/{id}/bonus", h.Dashboard.GrantBonus)
				r.Get("/stats", h.Dashboard.Stats)
			})
		})
	})

	return r
}
