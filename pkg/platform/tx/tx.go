// Package tx carries a *sql.Tx through context so stores can join a transaction
// opened by a service without changing their signatures.
package tx

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	dErrors "escrow/pkg/domain-errors"
)

type ctxKey struct{}

var txKey = ctxKey{}

// WithTx stores a SQL transaction in context for downstream store usage.
func WithTx(ctx context.Context, tx *sql.Tx) context.Context {
	if tx == nil {
		return ctx
	}
	return context.WithValue(ctx, txKey, tx)
}

// From extracts a SQL transaction from context if present.
func From(ctx context.Context) (*sql.Tx, bool) {
	tx, ok := ctx.Value(txKey).(*sql.Tx)
	return tx, ok
}

// Execer is the subset of *sql.DB and *sql.Tx that stores use.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Pick returns the transaction in ctx, or db when none is open.
func Pick(ctx context.Context, db *sql.DB) Execer {
	if t, ok := From(ctx); ok {
		return t
	}
	return db
}

// Run executes fn inside a transaction, reusing one already present in ctx.
// The transaction commits when fn returns nil and rolls back otherwise.
func Run(ctx context.Context, db *sql.DB, fn func(ctx context.Context) error) error {
	if _, ok := From(ctx); ok {
		return fn(ctx)
	}
	t, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = t.Rollback()
	}()
	if err := fn(WithTx(ctx, t)); err != nil {
		return err
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const defaultTxTimeout = 5 * time.Second

// Runner opens a transactional boundary around several store calls. Stores that
// use Pick join the transaction through ctx.
type Runner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SQLRunner runs fn inside a database transaction with a default deadline.
type SQLRunner struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSQLRunner(db *sql.DB) *SQLRunner {
	return &SQLRunner{db: db, timeout: defaultTxTimeout}
}

func (r *SQLRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	return Run(ctx, r.db, fn)
}

// LocalRunner is the Runner for in-memory stores. It has no isolation: other
// callers see writes before fn returns. Writes are undone when fn fails only for
// stores that register an undo with OnRollback; stores that do not are left as
// fn wrote them.
type LocalRunner struct{}

func (LocalRunner) RunInTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, ok := ctx.Value(scopeKey).(*localScope); ok {
		return fn(ctx)
	}
	scope := &localScope{}
	defer func() {
		if r := recover(); r != nil {
			scope.finish(true)
			panic(r)
		}
		scope.finish(err != nil)
	}()
	return fn(context.WithValue(ctx, scopeKey, scope))
}

type scopeCtxKey struct{}

var scopeKey = scopeCtxKey{}

type localScope struct {
	mu      sync.Mutex
	undo    []func()
	release []func()
	held    map[any]struct{}
}

func (l *localScope) finish(failed bool) {
	l.mu.Lock()
	undo, release := l.undo, l.release
	l.undo, l.release = nil, nil
	l.mu.Unlock()
	if failed {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}
	for i := len(release) - 1; i >= 0; i-- {
		release[i]()
	}
}

// OnRollback registers undo to run if the LocalRunner transaction in ctx fails.
// Undo functions run in reverse registration order. It reports false when ctx
// carries no local transaction.
func OnRollback(ctx context.Context, undo func()) bool {
	scope, ok := ctx.Value(scopeKey).(*localScope)
	if !ok {
		return false
	}
	scope.mu.Lock()
	scope.undo = append(scope.undo, undo)
	scope.mu.Unlock()
	return true
}

// Hold locks mu until the LocalRunner transaction in ctx ends, after any undo
// has run. A key already held by the transaction is not locked again. Outside a
// transaction Hold locks mu and returns its unlock.
func Hold(ctx context.Context, key any, mu *sync.Mutex) (unlock func()) {
	scope, ok := ctx.Value(scopeKey).(*localScope)
	if !ok {
		mu.Lock()
		return mu.Unlock
	}
	scope.mu.Lock()
	if _, held := scope.held[key]; held {
		scope.mu.Unlock()
		return func() {}
	}
	scope.mu.Unlock()

	mu.Lock()
	scope.mu.Lock()
	if scope.held == nil {
		scope.held = make(map[any]struct{})
	}
	scope.held[key] = struct{}{}
	scope.release = append(scope.release, mu.Unlock)
	scope.mu.Unlock()
	return func() {}
}
