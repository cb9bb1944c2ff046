// Package jobs defines River Queue job types for durable background work.
//
// Snapshot persistence can be routed through River so a snapshot captured on a
// busy node survives a crash before it reaches the durable store.
//
// Import Path: keel.dev/keel/internal/jobs
package jobs

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"go.uber.org/zap"

	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/snapshot"
)

// QueueSnapshots is the River queue used by snapshot jobs.
const QueueSnapshots = "snapshots"

// SnapshotPersistArgs carries a captured snapshot to the durable store.
type SnapshotPersistArgs struct {
	Snapshot snapshot.Snapshot `json:"snapshot"`
}

// Kind returns the job kind identifier for snapshot persistence.
func (SnapshotPersistArgs) Kind() string { return "snapshot_persist" }

// InsertOpts returns default insert options for snapshot persistence jobs.
func (SnapshotPersistArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSnapshots,
		MaxAttempts: 5,
	}
}

// SnapshotPersistWorker writes snapshots into the durable store.
type SnapshotPersistWorker struct {
	river.WorkerDefaults[SnapshotPersistArgs]
	store snapshot.Store
}

// NewSnapshotPersistWorker creates a SnapshotPersistWorker.
func NewSnapshotPersistWorker(store snapshot.Store) *SnapshotPersistWorker {
	return &SnapshotPersistWorker{store: store}
}

// Work saves the job's snapshot. Errors are returned so River retries.
func (w *SnapshotPersistWorker) Work(ctx context.Context, job *river.Job[SnapshotPersistArgs]) error {
	if w == nil || w.store == nil {
		return fmt.Errorf("snapshot persist worker is not initialized")
	}
	snap := job.Args.Snapshot
	if err := w.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("persist snapshot %s/%s@%d: %w", snap.SourceType, snap.SourceID, snap.AggregateVersion, err)
	}
	logger.Debug("Snapshot persisted by job",
		append(logger.Aggregate(snap.SourceType, snap.SourceID),
			zap.Int64("version", snap.AggregateVersion),
			zap.Int64("job_id", job.ID),
		)...,
	)
	return nil
}

// Inserter enqueues River jobs. *river.Client[pgx.Tx] satisfies it.
type Inserter interface {
	Insert(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) (*rivertype.JobInsertResult, error)
}

// QueueStore is a snapshot.Store whose Save enqueues a SnapshotPersistArgs job
// instead of writing directly. Load reads from the durable store.
type QueueStore struct {
	inserter Inserter
	durable  snapshot.Store
}

// NewQueueStore creates a QueueStore.
func NewQueueStore(inserter Inserter, durable snapshot.Store) *QueueStore {
	return &QueueStore{inserter: inserter, durable: durable}
}

// Save implements snapshot.Store.
func (s *QueueStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	if _, err := s.inserter.Insert(ctx, SnapshotPersistArgs{Snapshot: snap}, nil); err != nil {
		return fmt.Errorf("enqueue snapshot %s/%s: %w", snap.SourceType, snap.SourceID, err)
	}
	return nil
}

// Load implements snapshot.Store.
func (s *QueueStore) Load(ctx context.Context, sourceType, sourceID string) (snapshot.Snapshot, error) {
	return s.durable.Load(ctx, sourceType, sourceID)
}
