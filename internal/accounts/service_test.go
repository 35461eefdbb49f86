package accounts

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/config"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/ledger/ledgertest"
	"github.com/nanogen/backend/internal/models"
	"github.com/nanogen/backend/internal/referral"
)

// ---------------------------------------------------------------------------
// Mocks
// ---------------------------------------------------------------------------

type memStore struct {
	*ledgertest.Book

	mu       sync.Mutex
	accounts map[uuid.UUID]*models.Account
}

func newMemStore(book *ledgertest.Book) *memStore {
	return &memStore{Book: book, accounts: make(map[uuid.UUID]*models.Account)}
}

func (m *memStore) withBalance(a *models.Account) *models.Account {
	cp := *a
	bal := m.Book.Balance(a.ID)
	cp.Credits, cp.ReferralBalance = bal.Credits, bal.ReferralBalance
	return &cp
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	return m.withBalance(a), nil
}

func (m *memStore) GetByExternalID(_ context.Context, externalID int64) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ExternalID == externalID {
			return m.withBalance(a), nil
		}
	}
	return nil, apperrors.ErrUserNotFound
}

func (m *memStore) Create(_ context.Context, _ pgx.Tx, a *models.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.ExternalID == a.ExternalID {
			return errExternalIDTaken
		}
		if existing.ReferralCode == a.ReferralCode {
			return errReferralCodeTaken
		}
	}
	cp := *a
	m.accounts[a.ID] = &cp
	m.Book.Open(a.ID, 0, 0)
	return nil
}

func (m *memStore) Touch(_ context.Context, id uuid.UUID, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.accounts[id]; ok {
		a.Username = username
	}
	return nil
}

func (m *memStore) SetBanned(_ context.Context, id uuid.UUID, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return apperrors.ErrUserNotFound
	}
	a.IsBanned = banned
	return nil
}

func (m *memStore) Stats(context.Context) (*models.PlatformStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.PlatformStats{Accounts: int64(len(m.accounts))}, nil
}

func (m *memStore) put(a *models.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[a.ID] = a
	m.Book.Open(a.ID, a.Credits, a.ReferralBalance)
}

type stubLinker struct {
	referrer uuid.UUID
	err      error
	calls    int
}

func (s *stubLinker) LinkReferrer(_ context.Context, _ uuid.UUID, _ string) (*referral.Link, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &referral.Link{ReferrerID: s.referrer, Linked: true}, nil
}

type stubTokens struct{}

func (stubTokens) IssueToken(id uuid.UUID, isAdmin bool) (string, error) {
	if isAdmin {
		return "admin:" + id.String(), nil
	}
	return "user:" + id.String(), nil
}

func setup(t *testing.T, linker Linker) (*service, *memStore) {
	t.Helper()
	book := ledgertest.NewBook()
	store := newMemStore(book)
	svc := NewService(store, ledger.NewService(book, nil), linker, stubTokens{}, config.DefaultCatalog(), nil).(*service)
	return svc, store
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestEnsureAccount_CreatesWithWelcomeBonus(t *testing.T) {
	svc, store := setup(t, nil)
	ctx := context.Background()

	sess, err := svc.EnsureAccount(ctx, 42, "alice", "")
	require.NoError(t, err)
	assert.True(t, sess.Created)
	assert.Equal(t, int64(10), sess.Account.Credits)
	assert.Len(t, sess.Account.ReferralCode, 8)
	assert.Equal(t, "user:"+sess.Account.ID.String(), sess.Token)

	entries := store.Entries(sess.Account.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.EntryBonus, entries[0].Kind)
	assert.Equal(t, int64(10), entries[0].Amount)

	again, err := svc.EnsureAccount(ctx, 42, "alice_renamed", "")
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, sess.Account.ID, again.Account.ID)
	assert.Equal(t, "alice_renamed", again.Account.Username)
	assert.Len(t, store.Entries(sess.Account.ID), 1, "bonus is paid once")
}

func TestEnsureAccount_LinksReferrerOnCreationOnly(t *testing.T) {
	referrer := uuid.New()
	linker := &stubLinker{referrer: referrer}
	svc, _ := setup(t, linker)
	ctx := context.Background()

	sess, err := svc.EnsureAccount(ctx, 7, "bob", "ABCDEF12")
	require.NoError(t, err)
	require.NotNil(t, sess.Account.ReferrerID)
	assert.Equal(t, referrer, *sess.Account.ReferrerID)

	_, err = svc.EnsureAccount(ctx, 7, "bob", "ABCDEF12")
	require.NoError(t, err)
	assert.Equal(t, 1, linker.calls)
}

func TestEnsureAccount_BadReferralCodeStillCreates(t *testing.T) {
	svc, _ := setup(t, &stubLinker{err: apperrors.ErrReferralCodeNotFound})

	sess, err := svc.EnsureAccount(context.Background(), 8, "carol", "NOPE")
	require.NoError(t, err)
	assert.True(t, sess.Created)
	assert.Nil(t, sess.Account.ReferrerID)
}

func TestEnsureAccount_RetriesReferralCodeCollision(t *testing.T) {
	svc, _ := setup(t, nil)
	codes := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	svc.newCode = func() (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}
	ctx := context.Background()

	first, err := svc.EnsureAccount(ctx, 1, "a", "")
	require.NoError(t, err)
	second, err := svc.EnsureAccount(ctx, 2, "b", "")
	require.NoError(t, err)

	assert.Equal(t, "AAAAAAAA", first.Account.ReferralCode)
	assert.Equal(t, "BBBBBBBB", second.Account.ReferralCode)
}

func TestEnsureAccount_Banned(t *testing.T) {
	svc, store := setup(t, nil)
	store.put(&models.Account{ID: uuid.New(), ExternalID: 99, IsBanned: true, ReferralCode: "BANNED01"})

	_, err := svc.EnsureAccount(context.Background(), 99, "mallory", "")
	assert.ErrorIs(t, err, apperrors.ErrUserBanned)
}

func TestAdminOperations(t *testing.T) {
	svc, store := setup(t, nil)
	ctx := context.Background()

	admin := &models.Account{ID: uuid.New(), ExternalID: 1, IsAdmin: true, ReferralCode: "ADMIN001"}
	user := &models.Account{ID: uuid.New(), ExternalID: 2, ReferralCode: "USER0001"}
	store.put(admin)
	store.put(user)

	_, err := svc.GrantBonus(ctx, user.ID, user.ID, 50, "")
	assert.ErrorIs(t, err, apperrors.ErrAdminRequired)

	_, err = svc.GrantBonus(ctx, admin.ID, user.ID, 0, "")
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	e, err := svc.GrantBonus(ctx, admin.ID, user.ID, 50, "support")
	require.NoError(t, err)
	assert.Equal(t, int64(50), e.BalanceAfter)
	assert.Equal(t, models.EntryBonus, e.Kind)

	require.NoError(t, svc.SetBanned(ctx, admin.ID, user.ID, true))
	got, err := svc.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, got.IsBanned)

	assert.ErrorIs(t, svc.SetBanned(ctx, user.ID, admin.ID, true), apperrors.ErrAdminRequired)
	assert.ErrorIs(t, svc.SetBanned(ctx, admin.ID, uuid.New(), true), apperrors.ErrUserNotFound)

	stats, err := svc.Stats(ctx, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Accounts)
}
