package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nanogen/backend/internal/accounts"
	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/auth"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/ledger/ledgertest"
	"github.com/nanogen/backend/internal/middleware"
	"github.com/nanogen/backend/internal/models"
)

type fakeAccounts struct {
	accounts.Service
	banned map[uuid.UUID]bool
	admin  uuid.UUID
}

func (f *fakeAccounts) Get(_ context.Context, id uuid.UUID) (*models.Account, error) {
	if id == f.admin {
		return &models.Account{ID: id, IsAdmin: true}, nil
	}
	return nil, apperrors.ErrUserNotFound
}

func (f *fakeAccounts) SetBanned(_ context.Context, adminID, id uuid.UUID, banned bool) error {
	if adminID != f.admin {
		return apperrors.ErrAdminRequired
	}
	f.banned[id] = banned
	return nil
}

func newTestRouter(t *testing.T) (http.Handler, *fakeAccounts, *ledgertest.Book) {
	t.Helper()
	book := ledgertest.NewBook()
	acc := &fakeAccounts{banned: map[uuid.UUID]bool{}, admin: uuid.New()}
	h := NewHandler(acc, ledger.NewService(book, zap.NewNop()), config.DefaultCatalog(), zap.NewNop())

	r := chi.NewRouter()
	r.Get("/me", h.GetMe)
	r.Get("/ledger", h.ListLedger)
	r.Get("/models", h.ListModels)
	r.Get("/packages", h.ListPackages)
	r.Post("/admin/accounts/{id}/ban", h.Ban)
	r.Post("/admin/accounts/{id}/unban", h.Unban)
	return r, acc, book
}

func do(h http.Handler, caller uuid.UUID, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(""))
	if caller != uuid.Nil {
		req = req.WithContext(middleware.WithAccount(req.Context(), caller, auth.RoleUser))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestListModels_FillsEstimate(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := do(h, uuid.New(), http.MethodGet, "/models")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Models []config.Model `json:"models"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotEmpty(t, body.Models)
	for _, m := range body.Models {
		assert.Positive(t, m.EstimatedSeconds, m.ID)
		assert.Positive(t, m.Price, m.ID)
	}
}

func TestListPackages(t *testing.T) {
	h, _, _ := newTestRouter(t)
	rec := do(h, uuid.New(), http.MethodGet, "/packages")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"credits":100`)
	assert.Contains(t, rec.Body.String(), `"price":50000`)
}

func TestListLedger(t *testing.T) {
	h, _, book := newTestRouter(t)
	id := uuid.New()
	book.Open(id, 0, 0)

	empty := do(h, id, http.MethodGet, "/ledger")
	require.Equal(t, http.StatusOK, empty.Code)
	assert.JSONEq(t, `{"entries":[]}`, empty.Body.String())

	svc := ledger.NewService(book, zap.NewNop())
	for i := 0; i < 3; i++ {
		_, err := svc.AdjustNow(context.Background(), ledger.Adjustment{
			AccountID: id, Field: models.FieldCredits, Delta: 5, Kind: models.EntryBonus, Description: "bonus",
		})
		require.NoError(t, err)
	}

	rec := do(h, id, http.MethodGet, "/ledger?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Entries []models.LedgerEntry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Entries, 2)
}

func TestGetMe(t *testing.T) {
	h, acc, _ := newTestRouter(t)
	assert.Equal(t, http.StatusOK, do(h, acc.admin, http.MethodGet, "/me").Code)
	assert.Equal(t, http.StatusNotFound, do(h, uuid.New(), http.MethodGet, "/me").Code)
	assert.Equal(t, http.StatusUnauthorized, do(h, uuid.Nil, http.MethodGet, "/me").Code)
}

func TestBanUnban(t *testing.T) {
	h, acc, _ := newTestRouter(t)
	target := uuid.New()

	rec := do(h, acc.admin, http.MethodPost, "/admin/accounts/"+target.String()+"/ban")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, acc.banned[target])

	rec = do(h, acc.admin, http.MethodPost, "/admin/accounts/"+target.String()+"/unban")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, acc.banned[target])

	assert.Equal(t, http.StatusForbidden, do(h, uuid.New(), http.MethodPost, "/admin/accounts/"+target.String()+"/ban").Code)
	assert.Equal(t, http.StatusNotFound, do(h, acc.admin, http.MethodPost, "/admin/accounts/nope/ban").Code)
}
