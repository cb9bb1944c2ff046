package customer

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/transaction"
)

//go:embed schema.sql
var schemaSQL string

const selectColumns = `id, name, email, status, balance::text, registered_at, deactivated_at`

// PgxRepository stores customers in PostgreSQL.
type PgxRepository struct {
	db transaction.Querier
}

// NewPgxRepository creates a PgxRepository.
func NewPgxRepository(db transaction.Querier) *PgxRepository {
	return &PgxRepository{db: db}
}

// Migrate creates the customers table.
func (r *PgxRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate customers: %w", err)
	}
	return nil
}

func (r *PgxRepository) q(ctx context.Context) transaction.Querier {
	return transaction.QuerierFrom(ctx, r.db)
}

// Create implements Repository.
func (r *PgxRepository) Create(ctx context.Context, rec Record) error {
	_, err := r.q(ctx).Exec(ctx,
		`INSERT INTO customers (id, name, email, status, balance, registered_at)
		 VALUES ($1, $2, $3, $4, $5::text::numeric, $6)`,
		rec.ID, rec.Name, rec.Email, rec.Status, rec.Balance.String(), rec.RegisteredAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return apperrors.Conflict(apperrors.CodeVersionConflict, fmt.Sprintf("customer %s already exists", rec.ID))
	}
	if err != nil {
		return fmt.Errorf("insert customer %s: %w", rec.ID, err)
	}
	return nil
}

// Get implements Repository.
func (r *PgxRepository) Get(ctx context.Context, id string) (Record, error) {
	row := r.q(ctx).QueryRow(ctx, `SELECT `+selectColumns+` FROM customers WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, errNotFound(id)
	}
	return rec, err
}

// EmailOwner implements Repository.
func (r *PgxRepository) EmailOwner(ctx context.Context, email string) (string, error) {
	var id string
	err := r.q(ctx).QueryRow(ctx, `SELECT id FROM customers WHERE email = $1`, email).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup email owner: %w", err)
	}
	return id, nil
}

// UpdateEmail implements Repository.
func (r *PgxRepository) UpdateEmail(ctx context.Context, id, email string) error {
	return r.exec(ctx, id, `UPDATE customers SET email = $2 WHERE id = $1`, id, email)
}

// AddToBalance implements Repository.
func (r *PgxRepository) AddToBalance(ctx context.Context, id string, amount decimal.Decimal) (decimal.Decimal, error) {
	var raw string
	err := r.q(ctx).QueryRow(ctx,
		`UPDATE customers SET balance = balance + $2::text::numeric WHERE id = $1 RETURNING balance::text`,
		id, amount.String(),
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, errNotFound(id)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("update balance of %s: %w", id, err)
	}
	return decimal.NewFromString(raw)
}

// Deactivate implements Repository.
func (r *PgxRepository) Deactivate(ctx context.Context, id string, at time.Time) error {
	return r.exec(ctx, id, `UPDATE customers SET status = $2, deactivated_at = $3 WHERE id = $1`, id, StatusInactive, at)
}

// List implements Repository, ordered by id.
func (r *PgxRepository) List(ctx context.Context) ([]Record, error) {
	rows, err := r.q(ctx).Query(ctx, `SELECT `+selectColumns+` FROM customers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list customers: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		return scanRecord(row)
	})
}

func (r *PgxRepository) exec(ctx context.Context, id, sql string, args ...interface{}) error {
	tag, err := r.q(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("update customer %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return errNotFound(id)
	}
	return nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		balance     string
		deactivated pgtype.Timestamptz
	)
	if err := row.Scan(&rec.ID, &rec.Name, &rec.Email, &rec.Status, &balance, &rec.RegisteredAt, &deactivated); err != nil {
		return Record{}, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return Record{}, fmt.Errorf("decode balance of %s: %w", rec.ID, err)
	}
	rec.Balance = b
	rec.RegisteredAt = rec.RegisteredAt.UTC()
	if deactivated.Valid {
		at := deactivated.Time.UTC()
		rec.DeactivatedAt = &at
	}
	return rec, nil
}
