package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"keel.dev/keel/internal/pkg/logger"
)

// DefaultSnapshotRetain is how many snapshots per aggregate survive a prune.
const DefaultSnapshotRetain = 3

// Pruner deletes all but the newest retain snapshots of every aggregate.
type Pruner interface {
	Prune(ctx context.Context, retain int) (int, error)
}

// SnapshotPruneArgs is a periodic maintenance job that trims snapshot history.
type SnapshotPruneArgs struct{}

// Kind returns the job kind identifier for periodic snapshot pruning.
func (SnapshotPruneArgs) Kind() string { return "snapshot_prune" }

// InsertOpts ensures at most one prune job is enqueued per hour.
func (SnapshotPruneArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       QueueSnapshots,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Hour,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// SnapshotPruneWorker removes superseded snapshots.
type SnapshotPruneWorker struct {
	river.WorkerDefaults[SnapshotPruneArgs]
	pruner Pruner
	retain int
}

// NewSnapshotPruneWorker creates a prune worker. Non-positive retain falls
// back to DefaultSnapshotRetain.
func NewSnapshotPruneWorker(pruner Pruner, retain int) *SnapshotPruneWorker {
	if retain <= 0 {
		retain = DefaultSnapshotRetain
	}
	return &SnapshotPruneWorker{pruner: pruner, retain: retain}
}

// Work prunes snapshot history.
func (w *SnapshotPruneWorker) Work(ctx context.Context, _ *river.Job[SnapshotPruneArgs]) error {
	if w == nil || w.pruner == nil {
		return fmt.Errorf("snapshot prune worker is not initialized")
	}
	deleted, err := w.pruner.Prune(ctx, w.retain)
	if err != nil {
		return fmt.Errorf("prune snapshots keeping %d: %w", w.retain, err)
	}
	logger.Info("snapshot prune completed",
		zap.Int("deleted_rows", deleted),
		zap.Int("retain", w.retain),
	)
	return nil
}

// PeriodicPrune returns the periodic job that enqueues SnapshotPruneArgs every
// interval, starting on client start.
func PeriodicPrune(interval time.Duration) *river.PeriodicJob {
	if interval <= 0 {
		interval = time.Hour
	}
	return river.NewPeriodicJob(
		river.PeriodicInterval(interval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SnapshotPruneArgs{}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)
}

// Register adds the snapshot workers to workers. A nil pruner skips the prune
// worker.
func Register(workers *river.Workers, persist *SnapshotPersistWorker, prune *SnapshotPruneWorker) {
	river.AddWorker(workers, persist)
	if prune != nil {
		river.AddWorker(workers, prune)
	}
}
