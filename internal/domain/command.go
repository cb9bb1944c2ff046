// Package domain holds the data model of the command engine: aggregate
// descriptors, command and event definitions, command instances, events and
// aggregate state.
//
// Import Path: keel.dev/keel/internal/domain
package domain

import (
	"context"
	"time"
)

// ActionType classifies what an action does to its resource.
type ActionType string

const (
	ActionCreate  ActionType = "create"
	ActionUpdate  ActionType = "update"
	ActionDestroy ActionType = "destroy"
)

// Valid reports whether t is a known action type. The empty value is valid
// and means "infer from the aggregate identity".
func (t ActionType) Valid() bool {
	switch t {
	case "", ActionCreate, ActionUpdate, ActionDestroy:
		return true
	}
	return false
}

// Transform is one step of the parameter transform stage.
type Transform interface {
	Apply(p Params) (Params, error)
}

// Rule is one check of the parameter validation stage. A failing rule
// returns a validation error.
type Rule interface {
	Check(p Params) error
}

// TransactionOpts is forwarded verbatim to the transaction provider.
type TransactionOpts struct {
	Timeout        time.Duration
	IsolationLevel string
}

// MiddlewareSpec pairs a middleware with its per-use configuration.
type MiddlewareSpec struct {
	Middleware Middleware
	Config     map[string]interface{}
}

// CommandDef is the immutable definition of a command.
type CommandDef struct {
	Name          string
	Fields        []string
	IdentityField string

	// Action names the action invoked on the resource. Defaults to Name.
	Action string
	// ActionType is inferred from the aggregate identity when empty.
	ActionType   ActionType
	ParamMapping map[string]string

	Transforms  []Transform
	Validations []Rule
	Middleware  []MiddlewareSpec

	InTransaction   bool
	TransactionOpts TransactionOpts

	IncludeAggregate bool
	IncludeCommand   bool
	IncludeMetadata  bool
	ContextPrefix    string
	StaticContext    map[string]interface{}

	// Event explicitly names the event this command produces.
	Event string
}

// ActionName returns the action invoked for this command.
func (d *CommandDef) ActionName() string {
	if d.Action != "" {
		return d.Action
	}
	return d.Name
}

// Command is a command instance addressed to one aggregate.
type Command struct {
	Name     string
	Values   Params
	Metadata map[string]interface{}
}

// NewCommand builds a command instance.
func NewCommand(name string, values Params, metadata map[string]interface{}) Command {
	return Command{Name: name, Values: values, Metadata: metadata}
}

// Get returns a command field value, or nil.
func (c Command) Get(field string) interface{} {
	return c.Values.Value(field)
}

// Handler is the innermost step of the middleware chain, and the shape of
// the continuation passed to each middleware.
type Handler func(ctx context.Context, cmd Command, ec ExecutionContext) (interface{}, error)

// Middleware wraps command execution. Implementations either call next,
// optionally with a rewritten context, or return without calling it.
type Middleware interface {
	Handle(ctx context.Context, cmd Command, ec ExecutionContext, next Handler) (interface{}, error)
}
