package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/pkg/worker"
)

func init() {
	_ = logger.Init("error", "json")
}

type fakeStore struct {
	mu    sync.Mutex
	saved []Snapshot
	loads atomic.Int32
	err   error
	gate  chan struct{}
}

func (f *fakeStore) Save(_ context.Context, snap Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, snap)
	return nil
}

func (f *fakeStore) Load(_ context.Context, sourceType, sourceID string) (Snapshot, error) {
	f.loads.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.saved) - 1; i >= 0; i-- {
		if f.saved[i].SourceType == sourceType && f.saved[i].SourceID == sourceID {
			return f.saved[i], nil
		}
	}
	return Snapshot{}, apperrors.ErrSnapshotNotFound(sourceType, sourceID)
}

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

// inlineSubmitter runs tasks synchronously.
type inlineSubmitter struct {
	pools []string
	err   error
}

func (s *inlineSubmitter) SubmitDetached(pool string, task worker.Task) error {
	if s.err != nil {
		return s.err
	}
	s.pools = append(s.pools, pool)
	task(context.Background())
	return nil
}

func testDescriptor(t *testing.T) *domain.Descriptor {
	t.Helper()
	d, err := domain.NewDescriptor(domain.Schema{
		Type:          "customer",
		IdentityField: "id",
		Attributes: []domain.Attribute{
			{Name: "id", Type: domain.TypeString},
			{Name: "name", Type: domain.TypeString},
			{Name: "balance", Type: domain.TypeDecimal},
			{Name: "visits", Type: domain.TypeInteger},
			{Name: "registered_at", Type: domain.TypeTime},
		},
	})
	require.NoError(t, err)
	return d
}

func stateAt(version int64) domain.State {
	return domain.State{
		Attributes: domain.Pairs("id", "c-1", "name", "A", "balance", decimal.RequireFromString("10.5"), "visits", int64(4)),
		Version:    version,
	}
}

func TestShouldSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		version int64
		want    bool
	}{
		{"at threshold", Config{Enabled: true, Threshold: 100}, 100, true},
		{"at multiple", Config{Enabled: true, Threshold: 100}, 200, true},
		{"below threshold", Config{Enabled: true, Threshold: 100}, 99, false},
		{"between multiples", Config{Enabled: true, Threshold: 100}, 150, false},
		{"version zero", Config{Enabled: true, Threshold: 100}, 0, false},
		{"disabled at threshold", Config{Enabled: false, Threshold: 100}, 100, false},
		{"disabled at multiple", Config{Enabled: false, Threshold: 100}, 200, false},
		{"threshold one", Config{Enabled: true, Threshold: 1}, 7, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, ShouldSnapshot(tt.cfg, tt.version))
		})
	}
}

func TestNewManager_Defaults(t *testing.T) {
	m := NewManager(testDescriptor(t), Config{Enabled: true}, nil, nil)
	require.Equal(t, int64(DefaultThreshold), m.Config().Threshold)
	require.Equal(t, 1, m.Config().SchemaVersion)
}

func TestCreateSnapshot(t *testing.T) {
	m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10, SchemaVersion: 2}, nil, nil)

	snap, err := m.CreateSnapshot(stateAt(10))
	require.NoError(t, err)
	assert.Equal(t, "c-1", snap.SourceID)
	assert.Equal(t, "customer", snap.SourceType)
	assert.Equal(t, 2, snap.SourceVersion)
	assert.Equal(t, int64(10), snap.AggregateVersion)
	assert.False(t, snap.CreatedAt.IsZero())
	assert.JSONEq(t, `{"id":"c-1","name":"A","balance":"10.5","visits":4}`, string(snap.State))
}

func TestSnapshotStateIfNeeded(t *testing.T) {
	t.Run("persists when due", func(t *testing.T) {
		store := &fakeStore{}
		sub := &inlineSubmitter{}
		m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10}, store, sub)

		in := stateAt(10)
		out := m.SnapshotStateIfNeeded(in)
		require.Equal(t, in, out)
		require.Equal(t, 1, store.count())
		require.Equal(t, []string{worker.PoolSnapshot}, sub.pools)
	})

	t.Run("skips when not due", func(t *testing.T) {
		store := &fakeStore{}
		m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10}, store, &inlineSubmitter{})
		m.SnapshotStateIfNeeded(stateAt(9))
		require.Equal(t, 0, store.count())
	})

	t.Run("store failure is not observable", func(t *testing.T) {
		store := &fakeStore{err: errors.New("disk full")}
		m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10}, store, &inlineSubmitter{})
		in := stateAt(20)
		require.Equal(t, in, m.SnapshotStateIfNeeded(in))
	})

	t.Run("submit failure is not observable", func(t *testing.T) {
		store := &fakeStore{}
		m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10}, store, &inlineSubmitter{err: worker.ErrPoolClosed})
		in := stateAt(20)
		require.Equal(t, in, m.SnapshotStateIfNeeded(in))
		require.Equal(t, 0, store.count())
	})

	t.Run("does not wait for persistence", func(t *testing.T) {
		pools, err := worker.NewPools(context.Background(), worker.PoolConfig{GeneralPoolSize: 1, SnapshotPoolSize: 1})
		require.NoError(t, err)
		defer pools.Shutdown()

		release := make(chan struct{})
		store := &blockingStore{release: release, saved: make(chan Snapshot, 1)}
		m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10}, store, pools)

		done := make(chan struct{})
		go func() {
			m.SnapshotStateIfNeeded(stateAt(10))
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("SnapshotStateIfNeeded blocked on persistence")
		}

		close(release)
		select {
		case snap := <-store.saved:
			require.Equal(t, int64(10), snap.AggregateVersion)
		case <-time.After(2 * time.Second):
			t.Fatal("snapshot was never persisted")
		}
	})
}

type blockingStore struct {
	release chan struct{}
	saved   chan Snapshot
}

func (b *blockingStore) Save(_ context.Context, snap Snapshot) error {
	<-b.release
	b.saved <- snap
	return nil
}

func (b *blockingStore) Load(context.Context, string, string) (Snapshot, error) {
	return Snapshot{}, apperrors.ErrSnapshotNotFound("", "")
}

func TestGetSnapshot(t *testing.T) {
	store := &fakeStore{}
	m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 1}, store, &inlineSubmitter{})

	_, err := m.GetSnapshot(context.Background(), "c-1")
	require.True(t, apperrors.HasCode(err, apperrors.CodeSnapshotNotFound))
	require.ErrorIs(t, err, apperrors.ErrNotFound)

	m.SnapshotStateIfNeeded(stateAt(3))
	snap, err := m.GetSnapshot(context.Background(), "c-1")
	require.NoError(t, err)
	require.Equal(t, int64(3), snap.AggregateVersion)
}

func TestGetSnapshot_DeduplicatesConcurrentLoads(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 1}, store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.GetSnapshot(context.Background(), "c-1")
		}()
	}

	require.Eventually(t, func() bool { return store.loads.Load() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	require.Less(t, int(store.loads.Load()), 5)
}

func TestRestoreFromSnapshot(t *testing.T) {
	m := NewManager(testDescriptor(t), Config{Enabled: true, Threshold: 10, SchemaVersion: 1}, nil, nil)

	t.Run("round trip with zero fill", func(t *testing.T) {
		snap, err := m.CreateSnapshot(stateAt(30))
		require.NoError(t, err)

		restored, err := m.RestoreFromSnapshot(snap)
		require.NoError(t, err)
		require.Equal(t, int64(30), restored.Version)
		require.Equal(t, []string{"id", "name", "balance", "visits", "registered_at"}, restored.Attributes.Keys())
		assert.Equal(t, "c-1", restored.Get("id"))
		assert.Equal(t, int64(4), restored.Get("visits"))
		assert.True(t, decimal.RequireFromString("10.5").Equal(restored.Get("balance").(decimal.Decimal)))
		assert.Equal(t, time.Time{}, restored.Get("registered_at"))
	})

	t.Run("missing and undeclared fields", func(t *testing.T) {
		restored, err := m.RestoreFromSnapshot(Snapshot{
			SourceType:       "customer",
			SourceVersion:    1,
			State:            json.RawMessage(`{"id":"c-2","legacy":"x"}`),
			AggregateVersion: 5,
		})
		require.NoError(t, err)
		assert.Equal(t, "c-2", restored.Get("id"))
		assert.Equal(t, "", restored.Get("name"))
		assert.Equal(t, int64(0), restored.Get("visits"))
		assert.False(t, restored.Attributes.Has("legacy"))
	})

	t.Run("empty blob", func(t *testing.T) {
		restored, err := m.RestoreFromSnapshot(Snapshot{SourceType: "customer"})
		require.NoError(t, err)
		assert.Equal(t, 5, restored.Attributes.Len())
	})

	t.Run("rejections", func(t *testing.T) {
		_, err := m.RestoreFromSnapshot(Snapshot{SourceType: "order"})
		require.Error(t, err)

		_, err = m.RestoreFromSnapshot(Snapshot{SourceType: "customer", SourceVersion: 2})
		require.Error(t, err)

		_, err = m.RestoreFromSnapshot(Snapshot{SourceType: "customer", State: json.RawMessage(`{"visits":"many"}`)})
		require.Error(t, err)
	})
}
