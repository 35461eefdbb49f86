// Package ledgertest provides an in-memory ledger store and a no-op pgx.Tx
// so services can be tested without PostgreSQL.
package ledgertest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nanogen/backend/internal/apperrors"
	"github.com/nanogen/backend/internal/ledger"
	"github.com/nanogen/backend/internal/models"
)

// Tx satisfies pgx.Tx; only Commit and Rollback do anything. Rolling back
// an uncommitted Tx runs the undo funcs registered with OnRollback, newest
// first.
type Tx struct {
	committed atomic.Bool

	mu   sync.Mutex
	undo []func()
}

// OnRollback registers f to run if the transaction is rolled back.
func (t *Tx) OnRollback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.undo = append(t.undo, f)
}

func (t *Tx) Begin(context.Context) (pgx.Tx, error) { return &Tx{}, nil }
func (t *Tx) Commit(context.Context) error {
	if !t.committed.CompareAndSwap(false, true) {
		return pgx.ErrTxClosed
	}
	t.mu.Lock()
	t.undo = nil
	t.mu.Unlock()
	return nil
}
func (t *Tx) Rollback(context.Context) error {
	if t.committed.Load() {
		return pgx.ErrTxClosed
	}
	t.mu.Lock()
	undo := t.undo
	t.undo = nil
	t.mu.Unlock()
	for i := len(undo) - 1; i >= 0; i-- {
		undo[i]()
	}
	return nil
}
func (t *Tx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (t *Tx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (t *Tx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (t *Tx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (t *Tx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (t *Tx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (t *Tx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (t *Tx) Conn() *pgx.Conn { return nil }

// Committed reports whether Commit was called.
func (t *Tx) Committed() bool { return t.committed.Load() }

// Beginner hands out fresh Tx values and counts commits.
type Beginner struct {
	mu  sync.Mutex
	txs []*Tx
}

func (b *Beginner) Begin(context.Context) (pgx.Tx, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tx := &Tx{}
	b.txs = append(b.txs, tx)
	return tx, nil
}

// Commits returns how many handed-out transactions were committed.
func (b *Beginner) Commits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, tx := range b.txs {
		if tx.Committed() {
			n++
		}
	}
	return n
}

// Rollbacker is implemented by *Tx and by anything embedding it.
type Rollbacker interface {
	OnRollback(func())
}

// Book is an in-memory ledger.Store. Balance checks and mutation happen
// under one mutex, which mirrors the single conditional UPDATE. An Apply
// inside a Tx is undone when that Tx rolls back; until then other
// transactions already see it.
type Book struct {
	Beginner

	mu       sync.Mutex
	balances map[uuid.UUID]*models.Balance
	entries  []*models.LedgerEntry
	failNext error
}

var _ ledger.Store = (*Book)(nil)

func NewBook() *Book {
	return &Book{balances: make(map[uuid.UUID]*models.Balance)}
}

// Open registers an account with opening balances that have no ledger entries.
func (b *Book) Open(id uuid.UUID, credits, referral int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[id] = &models.Balance{Credits: credits, ReferralBalance: referral}
}

// FailNext makes the next Apply return err.
func (b *Book) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

func (b *Book) Apply(_ context.Context, tx pgx.Tx, a ledger.Adjustment) (*models.LedgerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return nil, err
	}
	bal, ok := b.balances[a.AccountID]
	if !ok {
		return nil, apperrors.ErrUserNotFound
	}
	field := &bal.Credits
	if a.Field == models.FieldReferralBalance {
		field = &bal.ReferralBalance
	}
	if *field+a.Delta < 0 {
		return nil, apperrors.ErrConcurrentUpdate
	}
	*field += a.Delta
	e := &models.LedgerEntry{
		ID:           uuid.New(),
		AccountID:    a.AccountID,
		Field:        a.Field,
		Kind:         a.Kind,
		Amount:       a.Delta,
		BalanceAfter: *field,
		ReferenceID:  a.ReferenceID,
		Description:  a.Description,
	}
	b.entries = append(b.entries, e)
	if r, ok := tx.(Rollbacker); ok {
		r.OnRollback(func() { b.revert(e) })
	}
	cp := *e
	return &cp, nil
}

func (b *Book) revert(e *models.LedgerEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[e.AccountID]; ok {
		if e.Field == models.FieldReferralBalance {
			bal.ReferralBalance -= e.Amount
		} else {
			bal.Credits -= e.Amount
		}
	}
	for i, cur := range b.entries {
		if cur == e {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			break
		}
	}
}

func (b *Book) GetBalance(_ context.Context, accountID uuid.UUID) (models.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	bal, ok := b.balances[accountID]
	if !ok {
		return models.Balance{}, apperrors.ErrUserNotFound
	}
	return *bal, nil
}

func (b *Book) ListEntries(_ context.Context, accountID uuid.UUID, limit int) ([]*models.LedgerEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.LedgerEntry
	for i := len(b.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if b.entries[i].AccountID == accountID {
			cp := *b.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Balance returns the current balances of id (zero value when unknown).
func (b *Book) Balance(id uuid.UUID) models.Balance {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bal, ok := b.balances[id]; ok {
		return *bal
	}
	return models.Balance{}
}

// Entries returns every entry for id in insertion order.
func (b *Book) Entries(id uuid.UUID) []*models.LedgerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range b.entries {
		if e.AccountID == id {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// ByReference returns every entry pointing at ref in insertion order.
func (b *Book) ByReference(ref uuid.UUID) []*models.LedgerEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.LedgerEntry
	for _, e := range b.entries {
		if e.ReferenceID != nil && *e.ReferenceID == ref {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// Sum adds up the entries of one field for id.
func (b *Book) Sum(id uuid.UUID, field models.BalanceField) int64 {
	var total int64
	for _, e := range b.Entries(id) {
		if e.Field == field {
			total += e.Amount
		}
	}
	return total
}
