// Package chain runs the ordered middleware chain that wraps every command.
//
// Import Path: keel.dev/keel/internal/chain
package chain

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

// Handler is the innermost step of the chain and the continuation type.
type Handler = domain.Handler

// Middleware wraps command execution.
type Middleware = domain.Middleware

// Func adapts a plain function to Middleware.
type Func func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error)

// Handle calls f.
func (f Func) Handle(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
	return f(ctx, cmd, ec, next)
}

// Use pairs a middleware with its configuration.
func Use(m Middleware, config map[string]interface{}) domain.MiddlewareSpec {
	return domain.MiddlewareSpec{Middleware: m, Config: config}
}

// Specs returns the effective list for a command: resource-level entries
// first (outermost), then the command's own entries.
func Specs(desc *domain.Descriptor, def *domain.CommandDef) []domain.MiddlewareSpec {
	var specs []domain.MiddlewareSpec
	if desc != nil {
		specs = append(specs, desc.Middleware()...)
	}
	if def != nil {
		specs = append(specs, def.Middleware...)
	}
	return specs
}

// Compose builds a handler running specs in order around final. While an
// entry runs, its Config is exposed as ec.MiddlewareConfig; final sees the
// context with MiddlewareConfig cleared.
func Compose(specs []domain.MiddlewareSpec, final Handler) Handler {
	h := Handler(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext) (interface{}, error) {
		ec.MiddlewareConfig = nil
		return final(ctx, cmd, ec)
	})
	for i := len(specs) - 1; i >= 0; i-- {
		spec, next := specs[i], h
		h = func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext) (interface{}, error) {
			ec.MiddlewareConfig = spec.Config
			return spec.Middleware.Handle(ctx, cmd, ec, next)
		}
	}
	return h
}

// Run executes the command through the resource-level and command-level
// middleware and then final.
//
// A middleware that returns without calling next stops the chain; its error
// is returned as is. A panic anywhere in the chain or in final is recovered
// here and returned as an aggregate error naming the command.
func Run(ctx context.Context, cmd domain.Command, desc *domain.Descriptor, def *domain.CommandDef, ec domain.ExecutionContext, final Handler) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := faultMessage(r)
			logger.Error("Command execution panicked",
				zap.String("command", cmd.Name),
				zap.String("resource", ec.Resource),
				zap.String("panic", msg),
				zap.Stack("stack"),
			)
			result = nil
			err = apperrors.Aggregate(msg, map[string]interface{}{"command": cmd.Name})
		}
	}()

	return Compose(Specs(desc, def), final)(ctx, cmd, ec)
}

func faultMessage(r interface{}) string {
	if e, ok := r.(error); ok {
		return e.Error()
	}
	return fmt.Sprint(r)
}
