package modules

import (
	"context"

	"github.com/riverqueue/river"

	"keel.dev/keel/internal/api/handlers"
	"keel.dev/keel/internal/jobs"
)

// SnapshotModule owns the snapshot River workers: queued persistence and
// periodic pruning of snapshot history.
type SnapshotModule struct {
	infra *Infrastructure
}

// NewSnapshotModule creates the snapshot job module.
func NewSnapshotModule(infra *Infrastructure) *SnapshotModule {
	return &SnapshotModule{infra: infra}
}

func (m *SnapshotModule) Name() string { return "snapshots" }

func (m *SnapshotModule) ContributeServerDeps(_ *handlers.ServerDeps) {}

func (m *SnapshotModule) RegisterWorkers(workers *river.Workers) {
	if workers == nil || m == nil || m.infra == nil || m.infra.durable == nil {
		return
	}
	var prune *jobs.SnapshotPruneWorker
	if m.infra.pruner != nil {
		prune = jobs.NewSnapshotPruneWorker(m.infra.pruner, m.infra.Config.Snapshot.Retain)
	}
	jobs.Register(workers, jobs.NewSnapshotPersistWorker(m.infra.durable), prune)
}

// PeriodicJobs schedules pruning when the durable store supports it.
func (m *SnapshotModule) PeriodicJobs() []*river.PeriodicJob {
	if m == nil || m.infra == nil || m.infra.pruner == nil || !m.infra.Config.Snapshot.Enabled {
		return nil
	}
	return []*river.PeriodicJob{jobs.PeriodicPrune(m.infra.Config.Snapshot.PruneInterval)}
}

func (m *SnapshotModule) Shutdown(context.Context) error { return nil }
