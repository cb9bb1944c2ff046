package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel.dev/keel/internal/domain"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
)

func init() {
	_ = logger.Init("error", "json")
}

type txKey struct{}

type fakeTx struct {
	repo      string
	opts      domain.TransactionOpts
	committed bool
	rolled    bool
}

func (f *fakeTx) Run(ctx context.Context, repo string, opts domain.TransactionOpts, body func(context.Context) error) error {
	f.repo, f.opts = repo, opts
	if err := body(context.WithValue(ctx, txKey{}, f)); err != nil {
		f.rolled = true
		return err
	}
	f.committed = true
	return nil
}

type call struct {
	resource, action string
	params, actx     domain.Params
	inTx             bool
}

func stubInvoker(result interface{}, err error, calls *[]call) Invoker {
	return InvokerFunc(func(ctx context.Context, resource, action string, params, actx domain.Params) (interface{}, error) {
		*calls = append(*calls, call{resource, action, params, actx, ctx.Value(txKey{}) != nil})
		return result, err
	})
}

func TestResolveActionType(t *testing.T) {
	withID := domain.State{Attributes: domain.Pairs("id", "1")}
	noID := domain.State{Attributes: domain.Pairs("id", nil)}

	assert.Equal(t, domain.ActionCreate, ResolveActionType("", noID, "id"))
	assert.Equal(t, domain.ActionUpdate, ResolveActionType("", withID, "id"))
	assert.Equal(t, domain.ActionDestroy, ResolveActionType(domain.ActionDestroy, withID, "id"))
}

func TestMapParams(t *testing.T) {
	in := domain.Pairs("id", "1", "mail", "a@x.com")
	out := MapParams(in, map[string]string{"mail": "email_address"})

	require.Equal(t, []string{"id", "email_address"}, out.Keys())
	require.Equal(t, []string{"id", "mail"}, in.Keys())
}

func TestComposeContext(t *testing.T) {
	state := domain.State{Attributes: domain.Pairs("id", "1"), Version: 3}
	cmd := domain.Command{Name: "change_email", Metadata: map[string]interface{}{"actor": "u1"}}

	tests := []struct {
		name string
		def  domain.CommandDef
		keys []string
		cmd  domain.Command
	}{
		{"nothing included", domain.CommandDef{}, []string{}, cmd},
		{
			"all included",
			domain.CommandDef{IncludeAggregate: true, IncludeCommand: true, IncludeMetadata: true},
			[]string{"aggregate", "command", "metadata"},
			cmd,
		},
		{
			"prefixed",
			domain.CommandDef{IncludeAggregate: true, IncludeMetadata: true, ContextPrefix: "ctx"},
			[]string{"ctx.aggregate", "ctx.metadata"},
			cmd,
		},
		{
			"metadata skipped when command has none",
			domain.CommandDef{IncludeMetadata: true},
			[]string{},
			domain.Command{Name: "change_email"},
		},
		{
			"static context last",
			domain.CommandDef{IncludeAggregate: true, StaticContext: map[string]interface{}{"tenant": "t1", "aggregate": "override"}},
			[]string{"aggregate", "tenant"},
			cmd,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actx := ComposeContext(&tt.def, state, tt.cmd)
			require.Equal(t, tt.keys, actx.Keys())
		})
	}

	def := domain.CommandDef{IncludeAggregate: true, StaticContext: map[string]interface{}{"aggregate": "override"}}
	require.Equal(t, "override", ComposeContext(&def, state, cmd).Value("aggregate"))
}

func TestMapToAction_MergesMapResults(t *testing.T) {
	var calls []call
	exec := NewExecutor(stubInvoker(map[string]interface{}{"status": "active"}, nil, &calls), nil)
	def := &domain.CommandDef{
		Name:          "register_customer",
		IdentityField: "id",
		ParamMapping:  map[string]string{"name": "full_name"},
	}
	cmd := domain.Command{Name: "register_customer", Values: domain.Pairs("id", "1", "name", "A")}

	res, err := exec.MapToAction(context.Background(), cmd, "customer", "register", Options{Def: def, Aggregate: domain.State{}})
	require.NoError(t, err)
	require.True(t, res.IsMap)
	require.Equal(t, "active", res.Fields.Value("status"))
	require.Equal(t, domain.ActionCreate, res.ActionType)

	require.Len(t, calls, 1)
	assert.Equal(t, "customer", calls[0].resource)
	assert.Equal(t, "register", calls[0].action)
	assert.Equal(t, []string{"id", "full_name"}, calls[0].params.Keys())
	assert.False(t, calls[0].inTx)
}

func TestMapToAction_OpaqueResultIsDiscarded(t *testing.T) {
	type customerRecord struct{ ID string }
	var calls []call
	exec := NewExecutor(stubInvoker(&customerRecord{ID: "1"}, nil, &calls), nil)

	res, err := exec.MapToAction(context.Background(), domain.Command{Name: "x"}, "customer", "x", Options{})
	require.NoError(t, err)
	require.False(t, res.IsMap)
	require.Equal(t, 0, res.Fields.Len())
}

func TestMapToAction_Transaction(t *testing.T) {
	def := &domain.CommandDef{
		Name:            "record_purchase",
		InTransaction:   true,
		TransactionOpts: domain.TransactionOpts{IsolationLevel: "serializable"},
	}

	t.Run("commit on success", func(t *testing.T) {
		var calls []call
		tx := &fakeTx{}
		exec := NewExecutor(stubInvoker(domain.Pairs("total", 1), nil, &calls), tx)

		_, err := exec.MapToAction(context.Background(), domain.Command{Name: "record_purchase"}, "customer", "record_purchase",
			Options{Def: def, Repo: "customers"})
		require.NoError(t, err)
		require.True(t, tx.committed)
		require.False(t, tx.rolled)
		require.Equal(t, "customers", tx.repo)
		require.Equal(t, "serializable", tx.opts.IsolationLevel)
		require.True(t, calls[0].inTx)
	})

	t.Run("rollback on failure", func(t *testing.T) {
		var calls []call
		tx := &fakeTx{}
		exec := NewExecutor(stubInvoker(nil, errors.New("insufficient funds"), &calls), tx)

		_, err := exec.MapToAction(context.Background(), domain.Command{Name: "record_purchase"}, "customer", "record_purchase",
			Options{Def: def})
		require.True(t, tx.rolled)
		require.False(t, tx.committed)
		appErr, ok := apperrors.IsAppError(err)
		require.True(t, ok)
		require.Equal(t, apperrors.CodeAggregate, appErr.Code)
		require.Equal(t, "insufficient funds", appErr.Message)
	})

	t.Run("timeout becomes transaction error", func(t *testing.T) {
		var calls []call
		exec := NewExecutor(stubInvoker(nil, context.DeadlineExceeded, &calls), &fakeTx{})

		_, err := exec.MapToAction(context.Background(), domain.Command{Name: "record_purchase"}, "customer", "record_purchase",
			Options{Def: def})
		require.True(t, apperrors.HasCode(err, apperrors.CodeTransaction))
	})

	t.Run("no provider", func(t *testing.T) {
		var calls []call
		exec := NewExecutor(stubInvoker(nil, nil, &calls), nil)

		_, err := exec.MapToAction(context.Background(), domain.Command{Name: "record_purchase"}, "customer", "record_purchase",
			Options{Def: def})
		require.True(t, apperrors.HasCode(err, apperrors.CodeTransaction))
		require.Empty(t, calls)
	})
}

func TestMapToAction_AppErrorsPassThrough(t *testing.T) {
	var calls []call
	want := apperrors.Validation("email", "is taken", "a@x.com")
	exec := NewExecutor(stubInvoker(nil, want, &calls), nil)

	_, err := exec.MapToAction(context.Background(), domain.Command{Name: "x"}, "customer", "x", Options{})
	require.Same(t, want, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("customer", "register", func(_ context.Context, p, _ domain.Params) (interface{}, error) {
		return map[string]interface{}{"echo": p.Value("id")}, nil
	})

	require.True(t, r.Has("customer", "register"))
	require.False(t, r.Has("customer", "delete"))

	got, err := r.Invoke(context.Background(), "customer", "register", domain.Pairs("id", "1"), domain.NewParams())
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"echo": "1"}, got)

	_, err = r.Invoke(context.Background(), "customer", "delete", domain.NewParams(), domain.NewParams())
	require.True(t, apperrors.HasCode(err, apperrors.CodeAggregate))
}

func TestClassify(t *testing.T) {
	assert.True(t, Classify(map[string]string{"a": "b"}).IsMap)
	assert.True(t, Classify(domain.Pairs("a", 1)).IsMap)
	assert.False(t, Classify(nil).IsMap)
	assert.False(t, Classify("text").IsMap)
	var nilParams *domain.Params
	assert.False(t, Classify(nilParams).IsMap)
}
