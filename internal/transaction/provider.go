// Package transaction provides the transaction boundaries used by the action
// executor: a pgx-backed provider and a no-op provider.
//
// Import Path: keel.dev/keel/internal/transaction
package transaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// Querier is the query surface shared by pgx.Tx and *pgxpool.Pool.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// FromContext returns the transaction opened by PgxProvider.Run, if any.
func FromContext(ctx context.Context) (pgx.Tx, bool) {
	tx, ok := ctx.Value(txKey{}).(pgx.Tx)
	return tx, ok
}

// QuerierFrom returns the transaction in ctx, or fallback outside one.
// Repositories use it so the same code runs inside and outside transactions.
func QuerierFrom(ctx context.Context, fallback Querier) Querier {
	if tx, ok := FromContext(ctx); ok {
		return tx
	}
	return fallback
}

// ParseIsolation maps an isolation level name to pgx. The empty string
// selects the server default.
func ParseIsolation(level string) (pgx.TxIsoLevel, error) {
	switch strings.ToLower(strings.TrimSpace(strings.ReplaceAll(level, "_", " "))) {
	case "":
		return "", nil
	case "read uncommitted":
		return pgx.ReadUncommitted, nil
	case "read committed":
		return pgx.ReadCommitted, nil
	case "repeatable read":
		return pgx.RepeatableRead, nil
	case "serializable":
		return pgx.Serializable, nil
	}
	return "", fmt.Errorf("unknown isolation level %q", level)
}

// PgxProvider runs action bodies inside pgx transactions. Repos may be bound
// to their own pools; unbound repos use the default pool.
type PgxProvider struct {
	mu    sync.RWMutex
	def   Beginner
	repos map[string]Beginner
}

// NewPgxProvider creates a provider using pool for every repo.
func NewPgxProvider(pool Beginner) *PgxProvider {
	return &PgxProvider{def: pool, repos: make(map[string]Beginner)}
}

// Bind routes transactions for repo to pool.
func (p *PgxProvider) Bind(repo string, pool Beginner) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.repos[repo] = pool
}

func (p *PgxProvider) beginner(repo string) Beginner {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if b, ok := p.repos[repo]; ok {
		return b
	}
	return p.def
}

// Run begins a transaction, runs body with the transaction in its context and
// commits when body succeeds. A body error or panic rolls back; the body error
// is returned unchanged. Begin and commit failures are transaction errors.
// When ctx already carries a transaction, body joins it.
func (p *PgxProvider) Run(ctx context.Context, repo string, opts domain.TransactionOpts, body func(ctx context.Context) error) error {
	if _, ok := FromContext(ctx); ok {
		return body(ctx)
	}

	iso, err := ParseIsolation(opts.IsolationLevel)
	if err != nil {
		return apperrors.Transaction(err)
	}

	b := p.beginner(repo)
	if b == nil {
		return apperrors.Transaction(fmt.Errorf("no database bound for repo %q", repo))
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	tx, err := b.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return apperrors.Transaction(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if rerr := tx.Rollback(context.WithoutCancel(ctx)); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			logger.Warn("Transaction rollback failed",
				zap.String("repo", repo),
				zap.Error(rerr),
			)
		}
	}()

	if err := body(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return apperrors.Transaction(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// NopProvider runs bodies without a transaction. Used when no database is
// configured.
type NopProvider struct{}

// Run implements action.TxProvider.
func (NopProvider) Run(ctx context.Context, _ string, opts domain.TransactionOpts, body func(ctx context.Context) error) error {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	return body(ctx)
}
