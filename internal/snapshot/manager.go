package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/pkg/worker"
)

// Submitter runs detached background work. *worker.Pools satisfies it.
type Submitter interface {
	SubmitDetached(poolName string, task worker.Task) error
}

// Manager applies the snapshot policy for one aggregate type.
type Manager struct {
	desc      *domain.Descriptor
	cfg       Config
	store     Store
	submitter Submitter
	loads     singleflight.Group
	now       func() time.Time
}

// NewManager creates a Manager. A nil store disables persistence.
func NewManager(desc *domain.Descriptor, cfg Config, store Store, submitter Submitter) *Manager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.SchemaVersion <= 0 {
		cfg.SchemaVersion = 1
	}
	return &Manager{
		desc:      desc,
		cfg:       cfg,
		store:     store,
		submitter: submitter,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Config returns the effective policy.
func (m *Manager) Config() Config {
	return m.cfg
}

// ShouldSnapshot reports whether state is due for a snapshot: snapshotting
// is enabled, the version is positive and a multiple of the threshold.
func (m *Manager) ShouldSnapshot(state domain.State) bool {
	return ShouldSnapshot(m.cfg, state.Version)
}

// ShouldSnapshot is the policy check on its own.
func ShouldSnapshot(cfg Config, version int64) bool {
	if !cfg.Enabled || cfg.Threshold <= 0 || version <= 0 {
		return false
	}
	return version%cfg.Threshold == 0
}

// CreateSnapshot captures state.
func (m *Manager) CreateSnapshot(state domain.State) (Snapshot, error) {
	blob, err := json.Marshal(state.Attributes)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode %s state: %w", m.desc.Type(), err)
	}
	return Snapshot{
		SourceID:         state.IdentityString(m.desc.IdentityField()),
		SourceType:       m.desc.Type(),
		SourceVersion:    m.cfg.SchemaVersion,
		State:            blob,
		AggregateVersion: state.Version,
		CreatedAt:        m.now(),
	}, nil
}

// SnapshotStateIfNeeded returns state unchanged. When state is due, it
// captures a snapshot and hands persistence to a detached background task
// without waiting for it. Failures are logged and never reach the caller.
func (m *Manager) SnapshotStateIfNeeded(state domain.State) domain.State {
	if m.store == nil || !m.ShouldSnapshot(state) {
		return state
	}

	snap, err := m.CreateSnapshot(state)
	if err != nil {
		logger.Warn("Snapshot capture failed",
			append(logger.Aggregate(m.desc.Type(), state.IdentityString(m.desc.IdentityField())),
				zap.Int64("version", state.Version),
				zap.Error(err),
			)...,
		)
		return state
	}

	persist := func(ctx context.Context) {
		if err := m.store.Save(ctx, snap); err != nil {
			logger.Warn("Snapshot persistence failed",
				append(logger.Aggregate(snap.SourceType, snap.SourceID),
					zap.Int64("version", snap.AggregateVersion),
					zap.Error(err),
				)...,
			)
			return
		}
		logger.Debug("Snapshot persisted",
			append(logger.Aggregate(snap.SourceType, snap.SourceID),
				zap.Int64("version", snap.AggregateVersion),
			)...,
		)
	}

	if m.submitter == nil {
		logger.Warn("Snapshot dropped: no background submitter",
			logger.Aggregate(snap.SourceType, snap.SourceID)...,
		)
		return state
	}
	if err := m.submitter.SubmitDetached(worker.PoolSnapshot, persist); err != nil {
		logger.Warn("Snapshot dropped: submit failed",
			append(logger.Aggregate(snap.SourceType, snap.SourceID), zap.Error(err))...,
		)
	}
	return state
}

// GetSnapshot loads the latest snapshot of the aggregate with the given id.
// Concurrent loads of the same aggregate share one store round trip.
func (m *Manager) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	if m.store == nil {
		return Snapshot{}, apperrors.ErrSnapshotNotFound(m.desc.Type(), id)
	}
	v, err, _ := m.loads.Do(m.desc.Type()+"/"+id, func() (interface{}, error) {
		return m.store.Load(ctx, m.desc.Type(), id)
	})
	if err != nil {
		return Snapshot{}, err
	}
	return v.(Snapshot), nil
}

// RestoreFromSnapshot rebuilds a well-formed state from snap. Declared
// attributes missing from the blob get their zero value; undeclared blob
// fields are dropped.
func (m *Manager) RestoreFromSnapshot(snap Snapshot) (domain.State, error) {
	if snap.SourceType != "" && snap.SourceType != m.desc.Type() {
		return domain.State{}, fmt.Errorf("snapshot of %s cannot restore %s", snap.SourceType, m.desc.Type())
	}
	if snap.SourceVersion > m.cfg.SchemaVersion {
		return domain.State{}, fmt.Errorf("snapshot schema version %d is newer than supported %d", snap.SourceVersion, m.cfg.SchemaVersion)
	}

	var blob domain.Params
	if len(snap.State) > 0 {
		if err := json.Unmarshal(snap.State, &blob); err != nil {
			return domain.State{}, fmt.Errorf("decode snapshot state: %w", err)
		}
	}

	attrs := domain.NewParams()
	for _, a := range m.desc.Attributes() {
		raw, ok := blob.Get(a.Name)
		if !ok || raw == nil {
			attrs.Set(a.Name, a.Zero())
			continue
		}
		v, err := a.Coerce(raw)
		if err != nil {
			return domain.State{}, fmt.Errorf("restore attribute %s: %w", a.Name, err)
		}
		attrs.Set(a.Name, v)
	}

	return domain.State{Attributes: attrs, Version: snap.AggregateVersion}, nil
}
