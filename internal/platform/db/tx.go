package db

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

const (
	txKey    contextKey = "db_tx"
	scopeKey contextKey = "db_tx_scope"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// TxManager runs fn inside a single database transaction. Calls nested
// inside an active transaction join it instead of opening a new one.
type TxManager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// WithTx binds tx to ctx so repositories pick it up via Conn.
func WithTx(ctx context.Context, tx pgx.Tx) context.Context {
	return context.WithValue(ctx, txKey, tx)
}

// TxFromContext returns the transaction bound to ctx, if any.
func TxFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(txKey).(pgx.Tx)
	return tx
}

// Conn returns the transaction bound to ctx, falling back to the pool.
func Conn(ctx context.Context, pool *pgxpool.Pool) Querier {
	if tx := TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

type scope struct {
	mu    sync.Mutex
	hooks []func()
}

// BeginScope attaches a commit-hook scope to ctx. The returned finish func
// runs hooks registered with AfterCommit when committed is true and drops
// them otherwise.
func BeginScope(ctx context.Context) (context.Context, func(committed bool)) {
	s := &scope{}
	ctx = context.WithValue(ctx, scopeKey, s)
	return ctx, func(committed bool) {
		s.mu.Lock()
		hooks := s.hooks
		s.hooks = nil
		s.mu.Unlock()
		if !committed {
			return
		}
		for _, h := range hooks {
			h()
		}
	}
}

// InScope reports whether ctx carries an open transaction scope.
func InScope(ctx context.Context) bool {
	_, ok := ctx.Value(scopeKey).(*scope)
	return ok
}

// AfterCommit defers fn until the enclosing transaction commits. Outside a
// transaction fn runs immediately.
func AfterCommit(ctx context.Context, fn func()) {
	s, ok := ctx.Value(scopeKey).(*scope)
	if !ok {
		fn()
		return
	}
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// PoolTxManager opens read-committed transactions on a pgx pool.
type PoolTxManager struct {
	pool *pgxpool.Pool
}

func NewTxManager(pool *pgxpool.Pool) *PoolTxManager {
	return &PoolTxManager{pool: pool}
}

func (m *PoolTxManager) InTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx, err := m.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	ctx, finish := BeginScope(WithTx(ctx, tx))
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
		finish(committed)
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}
