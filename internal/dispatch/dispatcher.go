// Package dispatch routes commands to aggregate runtimes and owns the
// obligations a runtime leaves to its caller: serializing work per aggregate
// identity, loading state from the latest snapshot plus the event journal,
// and persisting each event before it is applied.
//
// Import Path: keel.dev/keel/internal/dispatch
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"keel.dev/keel/internal/aggregate"
	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/pkg/tracing"
)

// Journal is the append-only event store.
type Journal interface {
	// Append records ev as version expectedVersion+1, failing with
	// VERSION_CONFLICT when the stream has moved on.
	Append(ctx context.Context, aggregateType, aggregateID string, expectedVersion int64, ev domain.Event) (domain.RecordedEvent, error)
	// Load returns the events after afterVersion in stream order.
	Load(ctx context.Context, aggregateType, aggregateID string, afterVersion int64) ([]domain.RecordedEvent, error)
}

// Outcome is the result of a dispatched command.
type Outcome struct {
	Event domain.RecordedEvent `json:"event"`
	State domain.State         `json:"state"`
}

// Dispatcher routes commands by aggregate type.
type Dispatcher struct {
	journal  Journal
	handlers *domain.EventDispatcher

	mu       sync.RWMutex
	runtimes map[string]*aggregate.Runtime

	locks *keyedMutex

	cacheMu sync.RWMutex
	cache   map[string]domain.State
}

// New creates a Dispatcher. handlers may be nil.
func New(journal Journal, handlers *domain.EventDispatcher) *Dispatcher {
	if handlers == nil {
		handlers = domain.NewEventDispatcher()
	}
	return &Dispatcher{
		journal:  journal,
		handlers: handlers,
		runtimes: make(map[string]*aggregate.Runtime),
		locks:    newKeyedMutex(),
		cache:    make(map[string]domain.State),
	}
}

// Register makes rt reachable under its descriptor's type.
func (d *Dispatcher) Register(rt *aggregate.Runtime) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runtimes[rt.Descriptor().Type()] = rt
}

// Runtime returns the runtime registered for aggregateType.
func (d *Dispatcher) Runtime(aggregateType string) (*aggregate.Runtime, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rt, ok := d.runtimes[aggregateType]
	if !ok {
		return nil, apperrors.ErrUnknownAggregate(aggregateType)
	}
	return rt, nil
}

// Types returns the registered aggregate types, sorted.
func (d *Dispatcher) Types() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.runtimes))
	for t := range d.runtimes {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Handlers returns the post-apply event dispatcher.
func (d *Dispatcher) Handlers() *domain.EventDispatcher {
	return d.handlers
}

// Dispatch executes cmd against the aggregate it targets, persists the
// resulting event and applies it.
//
// A command whose identity field is blank targets a new aggregate: it runs
// against empty state and the identity is taken from the produced event.
func (d *Dispatcher) Dispatch(ctx context.Context, aggregateType string, cmd domain.Command) (Outcome, error) {
	ctx, span := tracing.Tracer().Start(ctx, "dispatch "+aggregateType)
	defer span.End()
	span.SetAttributes(
		attribute.String("keel.aggregate_type", aggregateType),
		attribute.String("keel.command", cmd.Name),
	)

	out, err := d.dispatch(ctx, aggregateType, cmd)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	span.SetAttributes(
		attribute.String("keel.aggregate_id", out.Event.AggregateID),
		attribute.Int64("keel.version", out.Event.Version),
	)
	return out, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, aggregateType string, cmd domain.Command) (Outcome, error) {
	rt, err := d.Runtime(aggregateType)
	if err != nil {
		return Outcome{}, err
	}
	desc := rt.Descriptor()

	idField := desc.IdentityField()
	def, known := desc.Command(cmd.Name)
	if known && def.IdentityField != "" {
		idField = def.IdentityField
	}

	id := cmd.Values.Value(idField)
	if domain.IsBlank(id) {
		return d.create(ctx, rt, idField, cmd)
	}

	idStr := fmt.Sprint(id)
	unlock := d.locks.Lock(cacheKey(aggregateType, idStr))
	defer unlock()

	state, err := d.load(ctx, rt, idStr)
	if err != nil {
		return Outcome{}, err
	}
	if known && def.ActionType == domain.ActionCreate && state.Version > 0 {
		return Outcome{}, apperrors.Aggregate("aggregate already exists", map[string]interface{}{
			"command":      cmd.Name,
			"aggregate_id": idStr,
			"version":      state.Version,
		})
	}
	return d.executeAndCommit(ctx, rt, state, idStr, cmd)
}

// create runs a command that carries no identity. The aggregate is locked
// once the event reveals its identity; the journal's version check rejects a
// second creation of the same identity.
func (d *Dispatcher) create(ctx context.Context, rt *aggregate.Runtime, idField string, cmd domain.Command) (Outcome, error) {
	desc := rt.Descriptor()
	ev, err := rt.Execute(ctx, desc.NewState(), cmd)
	if err != nil {
		return Outcome{}, err
	}

	id := ev.Data.Value(idField)
	if domain.IsBlank(id) {
		return Outcome{}, apperrors.Aggregate("event carries no aggregate identity", map[string]interface{}{
			"command":        cmd.Name,
			"event":          ev.Name,
			"identity_field": idField,
		})
	}

	idStr := fmt.Sprint(id)
	unlock := d.locks.Lock(cacheKey(desc.Type(), idStr))
	defer unlock()

	return d.commit(ctx, rt, desc.NewState(), idStr, ev)
}

func (d *Dispatcher) executeAndCommit(ctx context.Context, rt *aggregate.Runtime, state domain.State, id string, cmd domain.Command) (Outcome, error) {
	ev, err := rt.Execute(ctx, state, cmd)
	if err != nil {
		return Outcome{}, err
	}
	return d.commit(ctx, rt, state, id, ev)
}

// commit appends ev at state's version, applies it and notifies handlers.
func (d *Dispatcher) commit(ctx context.Context, rt *aggregate.Runtime, state domain.State, id string, ev domain.Event) (Outcome, error) {
	desc := rt.Descriptor()
	key := cacheKey(desc.Type(), id)

	rec, err := d.journal.Append(ctx, desc.Type(), id, state.Version, ev)
	if err != nil {
		d.evict(key)
		return Outcome{}, apperrors.Normalize(err, false)
	}

	next := d.apply(rt, state, rec)
	d.store(key, next)

	if err := d.handlers.Dispatch(ctx, rec); err != nil {
		logger.Warn("Event handlers failed after commit",
			append(logger.Aggregate(desc.Type(), id),
				zap.String("event", rec.Event.Name),
				zap.Int64("version", rec.Version),
				zap.Error(err),
			)...,
		)
	}
	return Outcome{Event: rec, State: next}, nil
}

// apply folds rec into state. The journal is authoritative for versions, so
// a state the runtime left unchanged is realigned to the recorded version.
func (d *Dispatcher) apply(rt *aggregate.Runtime, state domain.State, rec domain.RecordedEvent) domain.State {
	next := rt.Apply(state, rec.Event)
	if next.Version != rec.Version {
		logger.Warn("State version realigned to journal",
			append(logger.Aggregate(rec.AggregateType, rec.AggregateID),
				zap.String("event", rec.Event.Name),
				zap.Int64("state_version", next.Version),
				zap.Int64("journal_version", rec.Version),
			)...,
		)
		next.Version = rec.Version
	}
	return next
}

// State returns the current state of one aggregate. An aggregate with no
// events is NOT_FOUND.
func (d *Dispatcher) State(ctx context.Context, aggregateType, id string) (domain.State, error) {
	rt, err := d.Runtime(aggregateType)
	if err != nil {
		return domain.State{}, err
	}
	unlock := d.locks.Lock(cacheKey(aggregateType, id))
	defer unlock()

	state, err := d.load(ctx, rt, id)
	if err != nil {
		return domain.State{}, err
	}
	if state.Version == 0 {
		return domain.State{}, apperrors.NotFound(apperrors.CodeNotFound, fmt.Sprintf("%s %s not found", aggregateType, id))
	}
	return state, nil
}

// load returns cached state, or rebuilds it from the latest snapshot and the
// journal tail. Callers hold the aggregate lock.
func (d *Dispatcher) load(ctx context.Context, rt *aggregate.Runtime, id string) (domain.State, error) {
	desc := rt.Descriptor()
	key := cacheKey(desc.Type(), id)
	if state, ok := d.cached(key); ok {
		return state, nil
	}

	state := desc.NewState()
	if mgr := rt.Snapshots(); mgr != nil {
		snap, err := mgr.GetSnapshot(ctx, id)
		switch {
		case err == nil:
			restored, rerr := mgr.RestoreFromSnapshot(snap)
			if rerr != nil {
				logger.Warn("Snapshot unusable, replaying from start",
					append(logger.Aggregate(desc.Type(), id), zap.Error(rerr))...,
				)
				break
			}
			state = restored
		case apperrors.HasCode(err, apperrors.CodeSnapshotNotFound):
		default:
			logger.Warn("Snapshot load failed, replaying from start",
				append(logger.Aggregate(desc.Type(), id), zap.Error(err))...,
			)
		}
	}

	events, err := d.journal.Load(ctx, desc.Type(), id, state.Version)
	if err != nil {
		return domain.State{}, apperrors.Normalize(fmt.Errorf("load %s/%s: %w", desc.Type(), id, err), false)
	}
	for _, rec := range events {
		state = d.apply(rt, state, rec)
	}

	if state.Version > 0 {
		d.store(key, state)
	}
	return state, nil
}

// Evict drops the cached state of one aggregate.
func (d *Dispatcher) Evict(aggregateType, id string) {
	d.evict(cacheKey(aggregateType, id))
}

func (d *Dispatcher) cached(key string) (domain.State, bool) {
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()
	s, ok := d.cache[key]
	return s, ok
}

func (d *Dispatcher) store(key string, s domain.State) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	d.cache[key] = s
}

func (d *Dispatcher) evict(key string) {
	d.cacheMu.Lock()
	defer d.cacheMu.Unlock()
	delete(d.cache, key)
}

func cacheKey(aggregateType, id string) string {
	return aggregateType + "/" + id
}
