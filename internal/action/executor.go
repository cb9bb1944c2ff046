// Package action maps a command onto an action capability of its resource,
// optionally inside a transaction, and classifies the action result.
//
// Import Path: keel.dev/keel/internal/action
package action

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

// Invoker performs an action on a resource. It is the only way the engine
// causes state change outside itself.
type Invoker interface {
	Invoke(ctx context.Context, resource, action string, params domain.Params, actx domain.Params) (interface{}, error)
}

// TxProvider runs body inside a transaction on repo. body's context carries
// the transaction. A body error rolls back; success commits.
type TxProvider interface {
	Run(ctx context.Context, repo string, opts domain.TransactionOpts, body func(ctx context.Context) error) error
}

// Options carries the per-call inputs of MapToAction.
type Options struct {
	Def           *domain.CommandDef
	Repo          string
	Aggregate     domain.State
	IdentityField string
}

// Result is a classified action result. Fields is set only when the action
// returned a plain field map.
type Result struct {
	Value      interface{}
	Fields     domain.Params
	IsMap      bool
	ActionType domain.ActionType
}

// Executor maps commands onto actions.
type Executor struct {
	invoker Invoker
	tx      TxProvider
}

// NewExecutor creates an Executor. tx may be nil when no command runs in a
// transaction.
func NewExecutor(invoker Invoker, tx TxProvider) *Executor {
	return &Executor{invoker: invoker, tx: tx}
}

// ResolveActionType returns explicit when set; otherwise create when the
// aggregate has no identity yet, update when it has one.
func ResolveActionType(explicit domain.ActionType, state domain.State, identityField string) domain.ActionType {
	if explicit != "" {
		return explicit
	}
	if domain.IsBlank(state.Identity(identityField)) {
		return domain.ActionCreate
	}
	return domain.ActionUpdate
}

// MapParams applies a field rename mapping to a copy of p.
func MapParams(p domain.Params, mapping map[string]string) domain.Params {
	out := p.Clone()
	if len(mapping) == 0 {
		return out
	}
	srcs := make([]string, 0, len(mapping))
	for src := range mapping {
		srcs = append(srcs, src)
	}
	sort.Strings(srcs)
	for _, src := range srcs {
		out.Rename(src, mapping[src])
	}
	return out
}

// ComposeContext builds the context handed to the action: aggregate, then
// command, then metadata (each only when enabled, under "{prefix}.{key}" when
// a prefix is set), then the static context, which wins every collision.
func ComposeContext(def *domain.CommandDef, state domain.State, cmd domain.Command) domain.Params {
	actx := domain.NewParams()
	key := func(name string) string {
		if def.ContextPrefix == "" {
			return name
		}
		return def.ContextPrefix + "." + name
	}

	if def.IncludeAggregate {
		actx.Set(key("aggregate"), state)
	}
	if def.IncludeCommand {
		actx.Set(key("command"), cmd)
	}
	if def.IncludeMetadata && len(cmd.Metadata) > 0 {
		actx.Set(key("metadata"), cmd.Metadata)
	}

	if len(def.StaticContext) > 0 {
		keys := make([]string, 0, len(def.StaticContext))
		for k := range def.StaticContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			actx.Set(k, def.StaticContext[k])
		}
	}
	return actx
}

// MapToAction invokes actionName on resource with the command's params.
//
// Errors are normalized: AppErrors pass through, anything else becomes an
// aggregate error, or a transaction error when the transaction itself
// failed.
func (e *Executor) MapToAction(ctx context.Context, cmd domain.Command, resource, actionName string, opts Options) (Result, error) {
	def := opts.Def
	if def == nil {
		def = &domain.CommandDef{Name: cmd.Name}
	}
	identityField := opts.IdentityField
	if identityField == "" {
		identityField = def.IdentityField
	}

	actionType := ResolveActionType(def.ActionType, opts.Aggregate, identityField)
	params := MapParams(cmd.Values, def.ParamMapping)
	actx := ComposeContext(def, opts.Aggregate, cmd)

	var value interface{}
	invoke := func(ctx context.Context) error {
		v, err := e.invoker.Invoke(ctx, resource, actionName, params, actx)
		if err != nil {
			return err
		}
		value = v
		return nil
	}

	var err error
	if def.InTransaction {
		err = e.runInTransaction(ctx, opts.Repo, def.TransactionOpts, invoke)
	} else {
		err = invoke(ctx)
	}
	if err != nil {
		logger.Debug("Action failed",
			zap.String("command", cmd.Name),
			zap.String("resource", resource),
			zap.String("action", actionName),
			zap.String("action_type", string(actionType)),
			zap.Error(err),
		)
		return Result{}, apperrors.Normalize(err, def.InTransaction)
	}

	res := Classify(value)
	res.ActionType = actionType
	return res, nil
}

var errNoTxProvider = errors.New("no transaction provider configured")

func (e *Executor) runInTransaction(ctx context.Context, repo string, opts domain.TransactionOpts, body func(context.Context) error) error {
	if e.tx == nil {
		return apperrors.Transaction(errNoTxProvider)
	}
	return e.tx.Run(ctx, repo, opts, body)
}

// Classify reports whether v is a plain field map and, if so, converts it.
func Classify(v interface{}) Result {
	switch m := v.(type) {
	case domain.Params:
		return Result{Value: v, Fields: m.Clone(), IsMap: true}
	case *domain.Params:
		if m != nil {
			return Result{Value: v, Fields: m.Clone(), IsMap: true}
		}
	case map[string]interface{}:
		return Result{Value: v, Fields: domain.ParamsFromMap(m), IsMap: true}
	case map[string]string:
		fields := domain.NewParams()
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fields.Set(k, m[k])
		}
		return Result{Value: v, Fields: fields, IsMap: true}
	}
	return Result{Value: v}
}
