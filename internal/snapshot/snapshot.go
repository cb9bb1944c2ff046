// Package snapshot implements the version-threshold snapshot policy:
// creating, asynchronously persisting and restoring compact captures of
// aggregate state.
//
// Snapshots are a performance optimization. The event stream stays the source
// of truth, so a lost snapshot only costs replay time.
//
// Import Path: keel.dev/keel/internal/snapshot
package snapshot

import (
	"context"
	"encoding/json"
	"time"
)

// DefaultThreshold is the snapshot interval used when none is configured.
const DefaultThreshold = 100

// Config is the per-aggregate-type snapshot policy.
type Config struct {
	Enabled   bool
	Threshold int64
	// SchemaVersion tags the snapshot format; it is not an aggregate version.
	SchemaVersion int
}

// Snapshot is a point-in-time capture of one aggregate.
type Snapshot struct {
	SourceID   string `json:"source_id"`
	SourceType string `json:"source_type"`
	// SourceVersion is the schema version of the snapshot format.
	SourceVersion int `json:"source_version"`
	// State is the encoded attribute map.
	State            json.RawMessage `json:"state"`
	AggregateVersion int64           `json:"aggregate_version"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Store persists snapshots. Load returns an error with code
// SNAPSHOT_NOT_FOUND when no snapshot exists.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, sourceType, sourceID string) (Snapshot, error)
}
