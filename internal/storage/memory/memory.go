// Package memory provides in-process snapshot and event journal stores for
// tests and the scenario runner.
//
// Import Path: keel.dev/keel/internal/storage/memory
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/snapshot"
)

type aggregateKey struct {
	typ string
	id  string
}

// SnapshotStore keeps snapshot history per aggregate.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[aggregateKey][]snapshot.Snapshot
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[aggregateKey][]snapshot.Snapshot)}
}

// Save implements snapshot.Store. History stays ordered by aggregate
// version; a snapshot for an already captured version replaces it.
func (s *SnapshotStore) Save(_ context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggregateKey{snap.SourceType, snap.SourceID}
	history := s.snaps[key]
	for i := range history {
		if history[i].AggregateVersion == snap.AggregateVersion {
			history[i] = snap
			return nil
		}
	}
	history = append(history, snap)
	sort.Slice(history, func(i, j int) bool {
		return history[i].AggregateVersion < history[j].AggregateVersion
	})
	s.snaps[key] = history
	return nil
}

// Load implements snapshot.Store, returning the latest snapshot.
func (s *SnapshotStore) Load(_ context.Context, sourceType, sourceID string) (snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snaps[aggregateKey{sourceType, sourceID}]
	if len(history) == 0 {
		return snapshot.Snapshot{}, apperrors.ErrSnapshotNotFound(sourceType, sourceID)
	}
	return history[len(history)-1], nil
}

// Prune keeps the latest retain snapshots per aggregate and returns how many
// were removed.
func (s *SnapshotStore) Prune(_ context.Context, retain int) (int, error) {
	if retain < 1 {
		retain = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, history := range s.snaps {
		if extra := len(history) - retain; extra > 0 {
			s.snaps[key] = append([]snapshot.Snapshot(nil), history[extra:]...)
			removed += extra
		}
	}
	return removed, nil
}

// Journal is an append-only event stream per aggregate.
type Journal struct {
	mu      sync.RWMutex
	streams map[aggregateKey][]domain.RecordedEvent
	now     func() time.Time
}

// NewJournal creates an empty Journal.
func NewJournal() *Journal {
	return &Journal{
		streams: make(map[aggregateKey][]domain.RecordedEvent),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Append records ev as version expectedVersion+1. It fails with
// VERSION_CONFLICT when the stream is not at expectedVersion.
func (j *Journal) Append(_ context.Context, aggregateType, aggregateID string, expectedVersion int64, ev domain.Event) (domain.RecordedEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	key := aggregateKey{aggregateType, aggregateID}
	stream := j.streams[key]
	if current := int64(len(stream)); current != expectedVersion {
		return domain.RecordedEvent{}, apperrors.ErrVersionConflict(aggregateID, expectedVersion, current)
	}

	rec := domain.RecordedEvent{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       expectedVersion + 1,
		Event:         domain.Event{Name: ev.Name, Data: ev.Data.Clone(), Metadata: ev.Metadata},
		RecordedAt:    j.now(),
	}
	j.streams[key] = append(stream, rec)
	return rec, nil
}

// Load returns the events after afterVersion, in stream order.
func (j *Journal) Load(_ context.Context, aggregateType, aggregateID string, afterVersion int64) ([]domain.RecordedEvent, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	stream := j.streams[aggregateKey{aggregateType, aggregateID}]
	if afterVersion < 0 {
		afterVersion = 0
	}
	if afterVersion >= int64(len(stream)) {
		return nil, nil
	}
	return append([]domain.RecordedEvent(nil), stream[afterVersion:]...), nil
}
