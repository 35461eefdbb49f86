package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/auth"
	"github.com/nanogen/backend/internal/respond"
)

type contextKey string

const (
	ctxAccountKey contextKey = "account_id"
	ctxRoleKey    contextKey = "role"
)

// TokenValidator is the part of auth.Service the middleware needs.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
}

// BotKeyVerifier is the part of auth.Service the bot middleware needs.
type BotKeyVerifier interface {
	VerifyBotKey(key string) bool
}

// Authenticate validates the Bearer token and stores the account id and role
// in the request context.
func Authenticate(tokens TokenValidator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractBearer(r)
			if raw == "" {
				respond.Error(w, log, apperrors.ErrUnauthorized.WithMessage("missing or malformed Authorization header"))
				return
			}
			id, role, err := tokens.ValidateToken(r.Context(), raw)
			if err != nil {
				respond.Error(w, log, apperrors.ErrUnauthorized.WithMessage("invalid token"))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), id, role)))
		})
	}
}

// RequireAdmin rejects requests whose token does not carry the admin role.
// Services check is_admin again against the database.
func RequireAdmin(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if RoleFromCtx(r.Context()) != auth.RoleAdmin {
				respond.Error(w, log, apperrors.ErrAdminRequired)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BotKey guards the endpoints only the chat bot may call.
func BotKey(verifier BotKeyVerifier, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !verifier.VerifyBotKey(r.Header.Get("X-Bot-Key")) {
				respond.Error(w, log, apperrors.ErrUnauthorized.WithMessage("invalid bot key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountIDFromCtx returns the authenticated account id.
func AccountIDFromCtx(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxAccountKey).(uuid.UUID)
	return id, ok && id != uuid.Nil
}

func RoleFromCtx(ctx context.Context) string {
	role, _ := ctx.Value(ctxRoleKey).(string)
	return role
}

// WithAccount returns a context carrying the given account id and role.
func WithAccount(ctx context.Context, id uuid.UUID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxAccountKey, id)
	return context.WithValue(ctx, ctxRoleKey, role)
}

func extractBearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
