// Package aggregate is the command/event state machine: Execute turns a
// command into at most one event, Apply folds an event into state.
//
// A Runtime holds no per-aggregate lock. Callers must serialize Execute and
// Apply per aggregate identity.
//
// Import Path: keel.dev/keel/internal/aggregate
package aggregate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keel.dev/keel/internal/action"
	"keel.dev/keel/internal/chain"
	"keel.dev/keel/internal/domain"
	"keel.dev/keel/internal/params"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/snapshot"
)

// Runtime executes commands and applies events for one aggregate type.
type Runtime struct {
	desc      *domain.Descriptor
	executor  *action.Executor
	snapshots *snapshot.Manager
}

// NewRuntime creates a Runtime. snapshots may be nil to disable snapshotting.
func NewRuntime(desc *domain.Descriptor, executor *action.Executor, snapshots *snapshot.Manager) *Runtime {
	return &Runtime{desc: desc, executor: executor, snapshots: snapshots}
}

// Descriptor returns the aggregate descriptor.
func (r *Runtime) Descriptor() *domain.Descriptor {
	return r.desc
}

// Snapshots returns the snapshot manager, or nil.
func (r *Runtime) Snapshots() *snapshot.Manager {
	return r.snapshots
}

// Execute runs cmd against state and returns the resulting event.
//
// The command passes through the middleware chain even when no event is
// linked to it, so audit and logging still see it; the innermost step then
// reports NOT_IMPLEMENTED. Every error returned is an *AppError.
func (r *Runtime) Execute(ctx context.Context, state domain.State, cmd domain.Command) (domain.Event, error) {
	def, ok := r.desc.Command(cmd.Name)
	if !ok {
		logger.Warn("Unknown command",
			append(logger.Aggregate(r.desc.Type(), state.IdentityString(r.desc.IdentityField())),
				zap.String("command", cmd.Name),
			)...,
		)
		return domain.Event{}, apperrors.NotImplemented(cmd.Name)
	}

	ec := domain.ExecutionContext{
		Aggregate:     state,
		Command:       cmd,
		IdentityField: def.IdentityField,
		ActionName:    def.ActionName(),
		ActionType:    action.ResolveActionType(def.ActionType, state, def.IdentityField),
		ParamMapping:  def.ParamMapping,
		Metadata:      cmd.Metadata,
		Resource:      r.desc.Resource(),
	}

	result, err := chain.Run(ctx, cmd, r.desc, def, ec, r.finalStep(def))
	if err != nil {
		return domain.Event{}, err
	}

	ev, ok := result.(domain.Event)
	if !ok {
		return domain.Event{}, apperrors.Aggregate(
			fmt.Sprintf("middleware returned %T instead of an event", result),
			map[string]interface{}{"command": cmd.Name},
		)
	}
	return ev, nil
}

// finalStep is the innermost chain handler: parameter pipeline, identity
// guard, action execution, event construction.
func (r *Runtime) finalStep(def *domain.CommandDef) chain.Handler {
	return func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext) (interface{}, error) {
		evDef, ok := r.desc.EventFor(cmd.Name)
		if !ok {
			logger.Warn("No event defined for command",
				append(logger.Aggregate(r.desc.Type(), ec.Aggregate.IdentityString(ec.IdentityField)),
					zap.String("command", cmd.Name),
				)...,
			)
			return nil, apperrors.NotImplemented(cmd.Name)
		}

		values, err := params.Run(def, cmd.Values)
		if err != nil {
			return nil, err
		}

		commandID := values.Value(ec.IdentityField)
		aggregateID := ec.Aggregate.Identity(ec.IdentityField)
		if !domain.IsBlank(aggregateID) && !sameIdentity(aggregateID, commandID) {
			return nil, apperrors.Aggregate("command identity does not match aggregate", map[string]interface{}{
				"command":      cmd.Name,
				"aggregate_id": aggregateID,
				"command_id":   commandID,
			})
		}

		cmd.Values = values
		res, err := r.executor.MapToAction(ctx, cmd, ec.Resource, ec.ActionName, action.Options{
			Def:           def,
			Repo:          r.desc.Repo(),
			Aggregate:     ec.Aggregate,
			IdentityField: ec.IdentityField,
		})
		if err != nil {
			return nil, err
		}

		return buildEvent(evDef, def, cmd, res), nil
	}
}

// buildEvent copies the command's declared fields (every param when none are
// declared) and merges a map result on top.
func buildEvent(evDef *domain.EventDef, def *domain.CommandDef, cmd domain.Command, res action.Result) domain.Event {
	data := domain.NewParams()
	if len(def.Fields) == 0 {
		data = cmd.Values.Clone()
	} else {
		for _, f := range def.Fields {
			if v, ok := cmd.Values.Get(f); ok {
				data.Set(f, v)
			}
		}
	}
	if res.IsMap {
		data.Merge(res.Fields)
	}
	return domain.Event{Name: evDef.Name, Data: data, Metadata: cmd.Metadata}
}

func sameIdentity(a, b interface{}) bool {
	if domain.IsBlank(b) {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Apply folds ev into state and never fails: unknown events and internal
// faults are logged and the prior state is returned. On success the version
// is incremented by one and the snapshot policy runs as a side effect.
func (r *Runtime) Apply(state domain.State, ev domain.Event) (out domain.State) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Event application panicked",
				append(logger.Aggregate(r.desc.Type(), state.IdentityString(r.desc.IdentityField())),
					zap.String("event", ev.Name),
					zap.Any("panic", rec),
					zap.Stack("stack"),
				)...,
			)
			out = state
		}
	}()

	evDef, ok := r.desc.Event(ev.Name)
	if !ok {
		logger.Warn("Unknown event ignored",
			append(logger.Aggregate(r.desc.Type(), state.IdentityString(r.desc.IdentityField())),
				zap.String("event", ev.Name),
			)...,
		)
		return state
	}

	next := state.Clone()
	for _, field := range evDef.Fields {
		v, present := ev.Data.Get(field)
		if !present {
			continue
		}
		attr, _ := r.desc.Attribute(field)
		coerced, err := attr.Coerce(v)
		if err != nil {
			logger.Error("Event field rejected, state unchanged",
				append(logger.Aggregate(r.desc.Type(), state.IdentityString(r.desc.IdentityField())),
					zap.String("event", ev.Name),
					zap.String("field", field),
					zap.Error(err),
				)...,
			)
			return state
		}
		next.Attributes.Set(field, coerced)
	}
	next.Version = state.Version + 1

	r.snapshotIfNeeded(next)
	return next
}

func (r *Runtime) snapshotIfNeeded(state domain.State) {
	if r.snapshots == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Snapshot policy panicked",
				append(logger.Aggregate(r.desc.Type(), state.IdentityString(r.desc.IdentityField())),
					zap.Int64("version", state.Version),
					zap.Any("panic", rec),
				)...,
			)
		}
	}()
	r.snapshots.SnapshotStateIfNeeded(state)
}

// Replay applies events in order.
func (r *Runtime) Replay(state domain.State, events ...domain.Event) domain.State {
	for _, ev := range events {
		state = r.Apply(state, ev)
	}
	return state
}
