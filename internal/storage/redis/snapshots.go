// Package redis provides a Redis-backed snapshot store holding the latest
// snapshot of each aggregate.
//
// Import Path: keel.dev/keel/internal/storage/redis
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/snapshot"
)

// DefaultKeyPrefix namespaces snapshot keys.
const DefaultKeyPrefix = "keel:"

// saveIfNewer writes ARGV[1] unless the stored snapshot has an equal or newer
// aggregate version. Returns 1 when written.
var saveIfNewer = goredis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
  local decoded = cjson.decode(current)
  if tonumber(decoded["aggregate_version"]) >= tonumber(ARGV[2]) then
    return 0
  end
end
if tonumber(ARGV[3]) > 0 then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
else
  redis.call("SET", KEYS[1], ARGV[1])
end
return 1
`)

// SnapshotStore keeps one snapshot per aggregate under
// {prefix}snapshot:{type}:{id}.
type SnapshotStore struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Option configures a SnapshotStore.
type Option func(*SnapshotStore)

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *SnapshotStore) { s.prefix = prefix }
}

// WithTTL expires snapshots after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *SnapshotStore) { s.ttl = ttl }
}

// NewSnapshotStore creates a SnapshotStore.
func NewSnapshotStore(rdb goredis.UniversalClient, opts ...Option) *SnapshotStore {
	s := &SnapshotStore{rdb: rdb, prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Key returns the Redis key of an aggregate's snapshot.
func (s *SnapshotStore) Key(sourceType, sourceID string) string {
	return fmt.Sprintf("%ssnapshot:%s:%s", s.prefix, sourceType, sourceID)
}

// Save implements snapshot.Store. An older snapshot never replaces a newer one.
func (s *SnapshotStore) Save(ctx context.Context, snap snapshot.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	key := s.Key(snap.SourceType, snap.SourceID)
	if err := saveIfNewer.Run(ctx, s.rdb, []string{key}, raw, snap.AggregateVersion, s.ttl.Milliseconds()).Err(); err != nil {
		return fmt.Errorf("redis save %s: %w", key, err)
	}
	return nil
}

// Load implements snapshot.Store.
func (s *SnapshotStore) Load(ctx context.Context, sourceType, sourceID string) (snapshot.Snapshot, error) {
	key := s.Key(sourceType, sourceID)
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return snapshot.Snapshot{}, apperrors.ErrSnapshotNotFound(sourceType, sourceID)
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("redis load %s: %w", key, err)
	}
	var snap snapshot.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return snap, nil
}
