package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

func recorder(name string, calls *[]string) Middleware {
	return Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		*calls = append(*calls, name)
		return next(ctx, cmd, ec)
	})
}

func testDescriptor(t *testing.T, resourceLevel []domain.MiddlewareSpec) *domain.Descriptor {
	t.Helper()
	d, err := domain.NewDescriptor(domain.Schema{
		Type:          "customer",
		IdentityField: "id",
		Attributes:    []domain.Attribute{{Name: "id", Type: domain.TypeString}},
		Middleware:    resourceLevel,
		Commands:      []domain.CommandDef{{Name: "register_customer", Fields: []string{"id"}}},
	})
	require.NoError(t, err)
	return d
}

func finalRecorder(calls *[]string) Handler {
	return func(context.Context, domain.Command, domain.ExecutionContext) (interface{}, error) {
		*calls = append(*calls, "final")
		return "ok", nil
	}
}

func TestRun_ResourceLevelRunsOutermost(t *testing.T) {
	var calls []string
	desc := testDescriptor(t, []domain.MiddlewareSpec{
		Use(recorder("resource-1", &calls), nil),
		Use(recorder("resource-2", &calls), nil),
	})
	def := &domain.CommandDef{
		Name:       "register_customer",
		Middleware: []domain.MiddlewareSpec{Use(recorder("command-1", &calls), nil)},
	}

	result, err := Run(context.Background(), domain.Command{Name: "register_customer"}, desc, def, domain.ExecutionContext{}, finalRecorder(&calls))
	require.NoError(t, err)
	require.Equal(t, "ok", result)
	require.Equal(t, []string{"resource-1", "resource-2", "command-1", "final"}, calls)
}

func TestRun_ShortCircuit(t *testing.T) {
	var calls []string
	blocked := errors.New("blocked")
	blockA := Func(func(context.Context, domain.Command, domain.ExecutionContext, Handler) (interface{}, error) {
		calls = append(calls, "A")
		return nil, blocked
	})
	def := &domain.CommandDef{
		Name: "register_customer",
		Middleware: []domain.MiddlewareSpec{
			Use(blockA, nil),
			Use(recorder("B", &calls), nil),
		},
	}

	_, err := Run(context.Background(), domain.Command{Name: "register_customer"}, nil, def, domain.ExecutionContext{}, finalRecorder(&calls))
	require.Same(t, blocked, err)
	require.Equal(t, []string{"A"}, calls)
}

func TestRun_MiddlewareCanRewriteContext(t *testing.T) {
	stamp := Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		return next(ctx, cmd, ec.WithMetadata("stamped", true))
	})
	def := &domain.CommandDef{Middleware: []domain.MiddlewareSpec{Use(stamp, nil)}}

	var seen domain.ExecutionContext
	_, err := Run(context.Background(), domain.Command{Name: "x"}, nil, def, domain.ExecutionContext{},
		func(_ context.Context, _ domain.Command, ec domain.ExecutionContext) (interface{}, error) {
			seen = ec
			return nil, nil
		})
	require.NoError(t, err)
	require.Equal(t, true, seen.Metadata["stamped"])
}

func TestRun_ExposesEntryConfig(t *testing.T) {
	var configs []interface{}
	peek := Func(func(ctx context.Context, cmd domain.Command, ec domain.ExecutionContext, next Handler) (interface{}, error) {
		configs = append(configs, ec.MiddlewareConfig["name"])
		return next(ctx, cmd, ec)
	})
	def := &domain.CommandDef{Middleware: []domain.MiddlewareSpec{
		Use(peek, map[string]interface{}{"name": "first"}),
		Use(peek, map[string]interface{}{"name": "second"}),
	}}

	var finalConfig map[string]interface{}
	_, err := Run(context.Background(), domain.Command{Name: "x"}, nil, def, domain.ExecutionContext{},
		func(_ context.Context, _ domain.Command, ec domain.ExecutionContext) (interface{}, error) {
			finalConfig = ec.MiddlewareConfig
			return nil, nil
		})
	require.NoError(t, err)
	require.Equal(t, []interface{}{"first", "second"}, configs)
	require.Nil(t, finalConfig)
}

func TestRun_PanicsBecomeAggregateErrors(t *testing.T) {
	tests := []struct {
		name  string
		mw    []domain.MiddlewareSpec
		final Handler
		msg   string
	}{
		{
			name: "panic in final",
			final: func(context.Context, domain.Command, domain.ExecutionContext) (interface{}, error) {
				panic("boom")
			},
			msg: "boom",
		},
		{
			name: "panic with error value in middleware",
			mw: []domain.MiddlewareSpec{Use(Func(func(context.Context, domain.Command, domain.ExecutionContext, Handler) (interface{}, error) {
				panic(errors.New("kaput"))
			}), nil)},
			final: func(context.Context, domain.Command, domain.ExecutionContext) (interface{}, error) {
				return nil, nil
			},
			msg: "kaput",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &domain.CommandDef{Middleware: tt.mw}
			result, err := Run(context.Background(), domain.Command{Name: "register_customer"}, nil, def, domain.ExecutionContext{}, tt.final)
			require.Nil(t, result)
			appErr, ok := apperrors.IsAppError(err)
			require.True(t, ok)
			assert.Equal(t, apperrors.CodeAggregate, appErr.Code)
			assert.Equal(t, tt.msg, appErr.Message)
			assert.Equal(t, "register_customer", appErr.Params["command"])
		})
	}
}

func passThrough(t *testing.T, m Middleware, cfg map[string]interface{}, md map[string]interface{}) error {
	t.Helper()
	def := &domain.CommandDef{Middleware: []domain.MiddlewareSpec{Use(m, cfg)}}
	_, err := Run(context.Background(), domain.Command{Name: "change_email"}, nil, def,
		domain.ExecutionContext{Metadata: md},
		func(context.Context, domain.Command, domain.ExecutionContext) (interface{}, error) { return nil, nil })
	return err
}

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		mw      Authorize
		cfg     map[string]interface{}
		md      map[string]interface{}
		wantErr bool
	}{
		{"no actor", Authorize{}, nil, nil, true},
		{"actor only", Authorize{}, nil, map[string]interface{}{"actor": "u1"}, false},
		{"missing permission", Authorize{Permission: "customer:write"}, nil,
			map[string]interface{}{"actor": "u1", "permissions": []string{"customer:read"}}, true},
		{"has permission", Authorize{Permission: "customer:write"}, nil,
			map[string]interface{}{"actor": "u1", "permissions": []interface{}{"customer:write"}}, false},
		{"super permission", Authorize{Permission: "customer:write"}, nil,
			map[string]interface{}{"actor": "u1", "permissions": []string{SuperPermission}}, false},
		{"config overrides", Authorize{}, map[string]interface{}{"permission": "customer:delete"},
			map[string]interface{}{"actor": "u1", "permissions": []string{"customer:write"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := passThrough(t, tt.mw, tt.cfg, tt.md)
			if tt.wantErr {
				require.True(t, apperrors.HasCode(err, apperrors.CodeUnauthorized), "got %v", err)
				require.ErrorIs(t, err, apperrors.ErrUnauthorized)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestRequireMetadata(t *testing.T) {
	err := passThrough(t, RequireMetadata("tenant"), nil, map[string]interface{}{"actor": "u1"})
	require.True(t, apperrors.HasCode(err, apperrors.CodeValidation))

	require.NoError(t, passThrough(t, RequireMetadata("tenant"), nil, map[string]interface{}{"tenant": "t1"}))
}

type auditCall struct {
	action, resourceType, resourceID, actor string
	details                                 map[string]interface{}
}

type fakeAuditor struct {
	calls []auditCall
	err   error
}

func (f *fakeAuditor) LogAction(_ context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error {
	f.calls = append(f.calls, auditCall{action, resourceType, resourceID, actor, details})
	return f.err
}

func TestAudit_RecordsOutcome(t *testing.T) {
	auditor := &fakeAuditor{err: errors.New("audit store down")}
	def := &domain.CommandDef{Middleware: []domain.MiddlewareSpec{Use(Audit(auditor), nil)}}
	ec := domain.ExecutionContext{
		Resource:      "customer",
		IdentityField: "id",
		Metadata:      map[string]interface{}{"actor": "u1"},
	}
	cmd := domain.Command{Name: "merge_customer", Values: domain.Pairs("id", "42")}

	_, err := Run(context.Background(), cmd, nil, def, ec,
		func(context.Context, domain.Command, domain.ExecutionContext) (interface{}, error) {
			return nil, apperrors.NotImplemented("merge_customer")
		})
	require.True(t, apperrors.HasCode(err, apperrors.CodeNotImplemented))

	require.Len(t, auditor.calls, 1)
	call := auditor.calls[0]
	assert.Equal(t, "command.merge_customer", call.action)
	assert.Equal(t, "customer", call.resourceType)
	assert.Equal(t, "42", call.resourceID)
	assert.Equal(t, "u1", call.actor)
	assert.Equal(t, "failed", call.details["outcome"])
	assert.Equal(t, apperrors.CodeNotImplemented, call.details["error_code"])
}

func TestTracing_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	require.NoError(t, passThrough(t, Tracing(), nil, nil))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, "command change_email", spans[0].Name())
}

func TestLogging_PassesResultThrough(t *testing.T) {
	def := &domain.CommandDef{Middleware: []domain.MiddlewareSpec{Use(Logging(), nil)}}
	result, err := Run(context.Background(), domain.Command{Name: "x"}, nil, def, domain.ExecutionContext{},
		func(context.Context, domain.Command, domain.ExecutionContext) (interface{}, error) {
			return 7, nil
		})
	require.NoError(t, err)
	require.Equal(t, 7, result)
}
