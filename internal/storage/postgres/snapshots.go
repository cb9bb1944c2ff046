package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/snapshot"
	"keel.dev/keel/internal/transaction"
)

// SnapshotStore keeps snapshot history in keel_snapshots.
type SnapshotStore struct {
	pool *pgxpool.Pool
}

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(pool *pgxpool.Pool) *SnapshotStore {
	return &SnapshotStore{pool: pool}
}

// Save implements snapshot.Store. Saving the same aggregate version twice
// overwrites the earlier capture.
func (s *SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	q := transaction.QuerierFrom(ctx, s.pool)
	_, err := q.Exec(ctx, `
		INSERT INTO keel_snapshots (source_type, source_id, aggregate_version, source_version, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_type, source_id, aggregate_version)
		DO UPDATE SET source_version = EXCLUDED.source_version,
		              state = EXCLUDED.state,
		              created_at = EXCLUDED.created_at`,
		snap.SourceType, snap.SourceID, snap.AggregateVersion, snap.SourceVersion, []byte(snap.State), snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot %s/%s@%d: %w", snap.SourceType, snap.SourceID, snap.AggregateVersion, err)
	}
	return nil
}

// Load implements snapshot.Store, returning the latest snapshot.
func (s *SnapshotStore) Load(ctx context.Context, sourceType, sourceID string) (snapshot.Snapshot, error) {
	q := transaction.QuerierFrom(ctx, s.pool)
	var (
		snap  snapshot.Snapshot
		state []byte
	)
	err := q.QueryRow(ctx, `
		SELECT source_type, source_id, aggregate_version, source_version, state, created_at
		FROM keel_snapshots
		WHERE source_type = $1 AND source_id = $2
		ORDER BY aggregate_version DESC
		LIMIT 1`,
		sourceType, sourceID,
	).Scan(&snap.SourceType, &snap.SourceID, &snap.AggregateVersion, &snap.SourceVersion, &state, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return snapshot.Snapshot{}, apperrors.ErrSnapshotNotFound(sourceType, sourceID)
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("load snapshot %s/%s: %w", sourceType, sourceID, err)
	}
	snap.State = state
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}

// Prune keeps the latest retain snapshots per aggregate and returns how many
// rows were removed.
func (s *SnapshotStore) Prune(ctx context.Context, retain int) (int, error) {
	if retain < 1 {
		retain = 1
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM keel_snapshots k
		USING (
			SELECT source_type, source_id, aggregate_version,
			       row_number() OVER (PARTITION BY source_type, source_id ORDER BY aggregate_version DESC) AS rn
			FROM keel_snapshots
		) ranked
		WHERE k.source_type = ranked.source_type
		  AND k.source_id = ranked.source_id
		  AND k.aggregate_version = ranked.aggregate_version
		  AND ranked.rn > $1`,
		retain,
	)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
