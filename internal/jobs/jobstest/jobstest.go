// Package jobstest provides an in-memory jobs.Store on top of a
// ledgertest.Book. LockAccount holds a per-account mutex until the
// transaction ends, like SELECT ... FOR UPDATE. Inserts and ledger
// adjustments are visible immediately and undone on rollback.
package jobstest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/jobs"
	"github.com/nanogen/backend/internal/ledger/ledgertest"
	"github.com/nanogen/backend/internal/models"
)

type lockTx struct {
	*ledgertest.Tx
	mu      sync.Mutex
	release []func()
}

func (t *lockTx) hold(m *sync.Mutex) {
	m.Lock()
	t.mu.Lock()
	t.release = append(t.release, m.Unlock)
	t.mu.Unlock()
}

func (t *lockTx) unlock() {
	t.mu.Lock()
	release := t.release
	t.release = nil
	t.mu.Unlock()
	for _, f := range release {
		f()
	}
}

func (t *lockTx) Commit(ctx context.Context) error {
	defer t.unlock()
	return t.Tx.Commit(ctx)
}

func (t *lockTx) Rollback(ctx context.Context) error {
	defer t.unlock()
	return t.Tx.Rollback(ctx)
}

type Store struct {
	*ledgertest.Book

	mu     sync.Mutex
	banned map[uuid.UUID]bool
	gens   map[uuid.UUID]*models.Generation
	locks  map[uuid.UUID]*sync.Mutex
}

var _ jobs.Store = (*Store)(nil)

func New(book *ledgertest.Book) *Store {
	return &Store{
		Book:   book,
		banned: make(map[uuid.UUID]bool),
		gens:   make(map[uuid.UUID]*models.Generation),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// AddAccount opens an account with the given credits.
func (s *Store) AddAccount(id uuid.UUID, credits int64) {
	s.Book.Open(id, credits, 0)
}

func (s *Store) Ban(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banned[id] = true
}

// Generation returns a copy of the stored generation, nil when unknown.
func (s *Store) Generation(id uuid.UUID) *models.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return nil
	}
	cp := *g
	return &cp
}

// Update mutates a stored generation in place.
func (s *Store) Update(id uuid.UUID, f func(g *models.Generation)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gens[id]; ok {
		f(g)
	}
}

func (s *Store) Begin(context.Context) (pgx.Tx, error) {
	return &lockTx{Tx: &ledgertest.Tx{}}, nil
}

func (s *Store) LockAccount(ctx context.Context, tx pgx.Tx, accountID uuid.UUID) (bool, int64, error) {
	if _, err := s.Book.GetBalance(ctx, accountID); err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	m, ok := s.locks[accountID]
	if !ok {
		m = &sync.Mutex{}
		s.locks[accountID] = m
	}
	s.mu.Unlock()
	if lt, ok := tx.(*lockTx); ok {
		lt.hold(m)
	}

	bal, err := s.Book.GetBalance(ctx, accountID)
	if err != nil {
		return false, 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banned[accountID], bal.Credits, nil
}

func (s *Store) findKey(accountID uuid.UUID, key string) *models.Generation {
	for _, g := range s.gens {
		if g.AccountID == accountID && g.IdempotencyKey != nil && *g.IdempotencyKey == key {
			cp := *g
			return &cp
		}
	}
	return nil
}

func (s *Store) GetByIdempotencyKey(_ context.Context, _ pgx.Tx, accountID uuid.UUID, key string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findKey(accountID, key), nil
}

func (s *Store) FindByIdempotencyKey(_ context.Context, accountID uuid.UUID, key string) (*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.findKey(accountID, key); g != nil {
		return g, nil
	}
	return nil, apperrors.ErrGenerationNotFound
}

func (s *Store) CountActive(_ context.Context, _ pgx.Tx, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.gens {
		if g.AccountID == accountID && g.Active() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountSince(_ context.Context, _ pgx.Tx, accountID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, g := range s.gens {
		if g.AccountID == accountID && !g.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) Insert(_ context.Context, tx pgx.Tx, g *models.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g.IdempotencyKey != nil && s.findKey(g.AccountID, *g.IdempotencyKey) != nil {
		return jobs.ErrDuplicateKey
	}
	cp := *g
	s.gens[g.ID] = &cp
	if r, ok := tx.(ledgertest.Rollbacker); ok {
		id := g.ID
		r.OnRollback(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.gens, id)
		})
	}
	return nil
}

// Put stores g as is, bypassing every check.
func (s *Store) Put(g *models.Generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.gens[g.ID] = &cp
}

func (s *Store) RecordGeneration(context.Context, pgx.Tx, uuid.UUID, int64) error { return nil }

func (s *Store) SetRunID(_ context.Context, _ pgx.Tx, id uuid.UUID, runID int64) error {
	s.Update(id, func(g *models.Generation) { g.RunID = &runID })
	return nil
}

func (s *Store) GetByID(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	if g := s.Generation(id); g != nil {
		return g, nil
	}
	return nil, apperrors.ErrGenerationNotFound
}

func (s *Store) ListByAccount(_ context.Context, accountID uuid.UUID, limit int) ([]*models.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Generation
	for _, g := range s.gens {
		if g.AccountID == accountID {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// transition applies f when the generation is in one of from and returns a copy.
func (s *Store) transition(id uuid.UUID, from []string, f func(g *models.Generation)) *models.Generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gens[id]
	if !ok {
		return nil
	}
	for _, st := range from {
		if g.Status == st {
			f(g)
			cp := *g
			return &cp
		}
	}
	return nil
}

func (s *Store) MarkProcessing(_ context.Context, id uuid.UUID) (*models.Generation, error) {
	return s.transition(id, []string{models.GenerationPending}, func(g *models.Generation) {
		now := time.Now()
		g.Status = models.GenerationProcessing
		g.StartedAt = &now
	}), nil
}

func (s *Store) SetTaskHandle(_ context.Context, id uuid.UUID, handle string) error {
	s.transition(id, []string{models.GenerationProcessing}, func(g *models.Generation) { g.TaskHandle = &handle })
	return nil
}

func (s *Store) Complete(_ context.Context, id uuid.UUID, resultURL string) (*models.Generation, error) {
	return s.transition(id, []string{models.GenerationProcessing}, func(g *models.Generation) {
		now := time.Now()
		g.Status = models.GenerationCompleted
		g.ResultURL = &resultURL
		g.CompletedAt = &now
	}), nil
}

func (s *Store) Finish(_ context.Context, _ pgx.Tx, id uuid.UUID, status, reason string) (*models.Generation, error) {
	return s.transition(id, []string{models.GenerationPending, models.GenerationProcessing}, func(g *models.Generation) {
		now := time.Now()
		g.Status = status
		g.Error = &reason
		g.CompletedAt = &now
	}), nil
}

func (s *Store) ListExpired(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for _, g := range s.gens {
		if g.Active() && g.TimeoutAt.Before(now) && len(ids) < limit {
			ids = append(ids, g.ID)
		}
	}
	return ids, nil
}
