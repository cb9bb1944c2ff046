package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/transaction"
)

const uniqueViolation = "23505"

// Journal stores event streams in keel_events.
type Journal struct {
	pool *pgxpool.Pool
}

// NewJournal creates a Journal.
func NewJournal(pool *pgxpool.Pool) *Journal {
	return &Journal{pool: pool}
}

// Append records ev as version expectedVersion+1. A concurrent writer that
// already took that version produces VERSION_CONFLICT.
func (j *Journal) Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, ev domain.Event) (domain.RecordedEvent, error) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return domain.RecordedEvent{}, fmt.Errorf("encode event %s: %w", ev.Name, err)
	}
	var metadata []byte
	if len(ev.Metadata) > 0 {
		if metadata, err = json.Marshal(ev.Metadata); err != nil {
			return domain.RecordedEvent{}, fmt.Errorf("encode event %s metadata: %w", ev.Name, err)
		}
	}

	q := transaction.QuerierFrom(ctx, j.pool)

	var current int64
	if err := q.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM keel_events WHERE aggregate_type = $1 AND aggregate_id = $2`,
		aggregateType, aggregateID,
	).Scan(&current); err != nil {
		return domain.RecordedEvent{}, fmt.Errorf("read stream version: %w", err)
	}
	if current != expectedVersion {
		return domain.RecordedEvent{}, apperrors.ErrVersionConflict(aggregateID, expectedVersion, current)
	}

	rec := domain.RecordedEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       expectedVersion + 1,
		Event:         ev,
	}
	err = q.QueryRow(ctx, `
		INSERT INTO keel_events (aggregate_type, aggregate_id, version, event_name, data, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING recorded_at`,
		aggregateType, aggregateID, rec.Version, ev.Name, data, metadata,
	).Scan(&rec.RecordedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.RecordedEvent{}, apperrors.ErrVersionConflict(aggregateID, expectedVersion, expectedVersion+1)
		}
		return domain.RecordedEvent{}, fmt.Errorf("append event %s: %w", ev.Name, err)
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	return rec, nil
}

// Load returns the events after afterVersion, in stream order.
func (j *Journal) Load(ctx context.Context, aggregateType, aggregateID string, afterVersion int64) ([]domain.RecordedEvent, error) {
	q := transaction.QuerierFrom(ctx, j.pool)
	rows, err := q.Query(ctx, `
		SELECT version, event_name, data, metadata, recorded_at
		FROM keel_events
		WHERE aggregate_type = $1 AND aggregate_id = $2 AND version > $3
		ORDER BY version`,
		aggregateType, aggregateID, afterVersion,
	)
	if err != nil {
		return nil, fmt.Errorf("load stream %s/%s: %w", aggregateType, aggregateID, err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.RecordedEvent, error) {
		var (
			rec        domain.RecordedEvent
			data, meta []byte
			recordedAt time.Time
		)
		if err := row.Scan(&rec.Version, &rec.Event.Name, &data, &meta, &recordedAt); err != nil {
			return rec, err
		}
		if err := json.Unmarshal(data, &rec.Event.Data); err != nil {
			return rec, fmt.Errorf("decode event %d: %w", rec.Version, err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &rec.Event.Metadata); err != nil {
				return rec, fmt.Errorf("decode event %d metadata: %w", rec.Version, err)
			}
		}
		rec.AggregateType = aggregateType
		rec.AggregateID = aggregateID
		rec.RecordedAt = recordedAt.UTC()
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan stream %s/%s: %w", aggregateType, aggregateID, err)
	}
	return events, nil
}
