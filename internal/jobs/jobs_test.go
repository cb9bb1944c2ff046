package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/snapshot"
	"keel.dev/keel/internal/storage/memory"
)

func init() {
	_ = logger.Init("error", "json")
}

type recordingInserter struct {
	args []river.JobArgs
	err  error
}

func (r *recordingInserter) Insert(_ context.Context, args river.JobArgs, _ *river.InsertOpts) (*rivertype.JobInsertResult, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.args = append(r.args, args)
	return &rivertype.JobInsertResult{Job: &rivertype.JobRow{ID: int64(len(r.args))}}, nil
}

type fakePruner struct {
	retain int
	err    error
}

func (f *fakePruner) Prune(_ context.Context, retain int) (int, error) {
	f.retain = retain
	return 4, f.err
}

func testSnapshot(version int64) snapshot.Snapshot {
	return snapshot.Snapshot{
		SourceType:       "customer",
		SourceID:         "1",
		SourceVersion:    1,
		State:            json.RawMessage(`{"id":"1"}`),
		AggregateVersion: version,
		CreatedAt:        time.Now().UTC(),
	}
}

func TestSnapshotArgsKindAndOpts(t *testing.T) {
	t.Parallel()

	if got := (SnapshotPersistArgs{}).Kind(); got != "snapshot_persist" {
		t.Fatalf("Kind() = %q, want %q", got, "snapshot_persist")
	}
	if got := (SnapshotPersistArgs{}).InsertOpts().Queue; got != QueueSnapshots {
		t.Fatalf("Queue = %q, want %q", got, QueueSnapshots)
	}

	opts := (SnapshotPruneArgs{}).InsertOpts()
	if opts.MaxAttempts != 1 {
		t.Fatalf("MaxAttempts = %d, want 1", opts.MaxAttempts)
	}
	if opts.UniqueOpts.ByPeriod != time.Hour {
		t.Fatalf("UniqueOpts.ByPeriod = %s, want %s", opts.UniqueOpts.ByPeriod, time.Hour)
	}
}

func TestQueueStore(t *testing.T) {
	t.Parallel()

	durable := memory.NewSnapshotStore()
	ins := &recordingInserter{}
	qs := NewQueueStore(ins, durable)
	ctx := context.Background()

	if err := qs.Save(ctx, testSnapshot(100)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if len(ins.args) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(ins.args))
	}
	args, ok := ins.args[0].(SnapshotPersistArgs)
	if !ok || args.Snapshot.AggregateVersion != 100 {
		t.Fatalf("enqueued %#v, want SnapshotPersistArgs at version 100", ins.args[0])
	}

	// Nothing reaches the durable store until the job runs.
	if _, err := qs.Load(ctx, "customer", "1"); err == nil {
		t.Fatal("Load() before job ran: want not found")
	}

	w := NewSnapshotPersistWorker(durable)
	job := &river.Job[SnapshotPersistArgs]{JobRow: &rivertype.JobRow{ID: 1}, Args: args}
	if err := w.Work(ctx, job); err != nil {
		t.Fatalf("Work() error = %v", err)
	}

	got, err := qs.Load(ctx, "customer", "1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.AggregateVersion != 100 {
		t.Fatalf("AggregateVersion = %d, want 100", got.AggregateVersion)
	}
}

func TestQueueStore_EnqueueFailure(t *testing.T) {
	t.Parallel()

	qs := NewQueueStore(&recordingInserter{err: errors.New("queue down")}, memory.NewSnapshotStore())
	err := qs.Save(context.Background(), testSnapshot(100))
	if err == nil || !strings.Contains(err.Error(), "queue down") {
		t.Fatalf("Save() error = %v, want contains %q", err, "queue down")
	}
}

func TestSnapshotPruneWorker(t *testing.T) {
	t.Parallel()

	t.Run("defaults retain when non-positive", func(t *testing.T) {
		w := NewSnapshotPruneWorker(&fakePruner{}, 0)
		if w.retain != DefaultSnapshotRetain {
			t.Fatalf("retain = %d, want %d", w.retain, DefaultSnapshotRetain)
		}
	})

	t.Run("passes retain to pruner", func(t *testing.T) {
		p := &fakePruner{}
		w := NewSnapshotPruneWorker(p, 2)
		if err := w.Work(context.Background(), nil); err != nil {
			t.Fatalf("Work() error = %v", err)
		}
		if p.retain != 2 {
			t.Fatalf("pruner retain = %d, want 2", p.retain)
		}
	})

	t.Run("propagates pruner error", func(t *testing.T) {
		w := NewSnapshotPruneWorker(&fakePruner{err: errors.New("boom")}, 1)
		if err := w.Work(context.Background(), nil); err == nil {
			t.Fatal("Work() error = nil, want error")
		}
	})

	t.Run("uninitialized", func(t *testing.T) {
		var w *SnapshotPruneWorker
		err := w.Work(context.Background(), nil)
		if err == nil || !strings.Contains(err.Error(), "not initialized") {
			t.Fatalf("Work() error = %v, want contains %q", err, "not initialized")
		}
	})
}

func TestRegister(t *testing.T) {
	t.Parallel()

	workers := river.NewWorkers()
	Register(workers, NewSnapshotPersistWorker(memory.NewSnapshotStore()), NewSnapshotPruneWorker(&fakePruner{}, 1))
	if PeriodicPrune(0) == nil {
		t.Fatal("PeriodicPrune() = nil")
	}
}
