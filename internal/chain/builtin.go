package chain

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cast"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/pkg/tracing"
)

// Metadata keys read by the built-in middleware.
const (
	MetaActor       = "actor"
	MetaRoles       = "roles"
	MetaPermissions = "permissions"
	MetaRequestID   = "request_id"
)

// SuperPermission grants every command permission.
const SuperPermission = "platform:admin"

// Logging logs each command with its outcome and duration.
func Logging() Middleware {
	return Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		start := time.Now()
		result, err := next(ctx, cmd, ec)

		fields := []zap.Field{
			zap.String("command", cmd.Name),
			zap.String("resource", ec.Resource),
			zap.String("action", ec.ActionName),
			zap.Duration("duration", time.Since(start)),
		}
		if rid, ok := ec.Metadata[MetaRequestID].(string); ok {
			fields = append(fields, zap.String("request_id", rid))
		}
		if err != nil {
			logger.Warn("Command rejected", append(fields, zap.Error(err))...)
		} else {
			logger.Info("Command executed", fields...)
		}
		return result, err
	})
}

// Authorize requires an actor in the command metadata and, when Permission
// is set, that permission (or SuperPermission) in metadata "permissions".
// A "permission" key in the middleware config overrides Permission.
type Authorize struct {
	Permission string
}

// Handle implements Middleware.
func (a Authorize) Handle(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
	actor := cast.ToString(ec.Metadata[MetaActor])
	if actor == "" {
		return nil, apperrors.Unauthorizedf("command %s requires an authenticated actor", cmd.Name)
	}

	required := a.Permission
	if p, ok := ec.MiddlewareConfig["permission"].(string); ok {
		required = p
	}
	if required != "" {
		perms, _ := cast.ToStringSliceE(ec.Metadata[MetaPermissions])
		if !slices.Contains(perms, SuperPermission) && !slices.Contains(perms, required) {
			return nil, apperrors.Unauthorizedf("actor %s lacks permission %s", actor, required)
		}
	}
	return next(ctx, cmd, ec)
}

// RequireMetadata rejects commands missing any of keys in their metadata.
func RequireMetadata(keys ...string) Middleware {
	return Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		for _, k := range keys {
			if domain.IsBlank(ec.Metadata[k]) {
				return nil, apperrors.Validation("metadata."+k, "is required", nil)
			}
		}
		return next(ctx, cmd, ec)
	})
}

// Auditor records auditable actions.
type Auditor interface {
	LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error
}

// Audit records every command attempt, whatever its outcome. Commands
// without a linked event are recorded too. Audit write failures are logged
// and never change the command outcome.
func Audit(a Auditor) Middleware {
	return Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		result, err := next(ctx, cmd, ec)

		details := map[string]interface{}{
			"outcome": "succeeded",
			"version": ec.Aggregate.Version,
		}
		if err != nil {
			details["outcome"] = "failed"
			if appErr, ok := apperrors.IsAppError(err); ok {
				details["error_code"] = appErr.Code
			}
		}

		resourceID := cast.ToString(cmd.Get(ec.IdentityField))
		if resourceID == "" {
			resourceID = cast.ToString(ec.Aggregate.Identity(ec.IdentityField))
		}
		actor := cast.ToString(ec.Metadata[MetaActor])

		if auditErr := a.LogAction(ctx, "command."+cmd.Name, ec.Resource, resourceID, actor, details); auditErr != nil {
			logger.Warn("Audit record dropped",
				zap.String("command", cmd.Name),
				zap.Error(auditErr),
			)
		}
		return result, err
	})
}

// Tracing wraps the rest of the chain in an OpenTelemetry span.
func Tracing() Middleware {
	return Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		ctx, span := tracing.Tracer().Start(ctx, fmt.Sprintf("command %s", cmd.Name),
			trace.WithAttributes(
				attribute.String("keel.command", cmd.Name),
				attribute.String("keel.resource", ec.Resource),
				attribute.String("keel.action", ec.ActionName),
				attribute.Int64("keel.aggregate.version", ec.Aggregate.Version),
			),
		)
		defer span.End()

		result, err := next(ctx, cmd, ec)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return result, err
	})
}
