package customer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keel.dev/keel/internal/action"
	"keel.dev/keel/internal/aggregate"
	"keel.dev/keel/internal/chain"
	"keel.dev/keel/internal/dispatch"
	"keel.dev/keel/internal/domain"
	"keel.dev/keel/internal/governance/audit"
	apperrors "keel.dev/keel/internal/pkg/errors"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/storage/memory"
	"keel.dev/keel/internal/testutil"
	"keel.dev/keel/internal/transaction"
)

func init() {
	_ = logger.Init("error", "json")
}

type stack struct {
	d    *dispatch.Dispatcher
	repo Repository
}

func newStack(t *testing.T, opts Options, repo Repository, tx action.TxProvider) stack {
	t.Helper()
	desc, err := NewDescriptor(opts)
	require.NoError(t, err)

	reg := action.NewRegistry()
	NewActions(repo).Register(reg)

	d := dispatch.New(memory.NewJournal(), nil)
	d.Register(aggregate.NewRuntime(desc, action.NewExecutor(reg, tx), nil))
	return stack{d: d, repo: repo}
}

func (s stack) run(meta map[string]interface{}, name string, kv ...interface{}) (dispatch.Outcome, error) {
	return s.d.Dispatch(context.Background(), Type, domain.NewCommand(name, domain.Pairs(kv...), meta))
}

func requireCode(t *testing.T, err error, code string) *apperrors.AppError {
	t.Helper()
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok, "expected AppError, got %T: %v", err, err)
	require.Equal(t, code, appErr.Code, appErr.Message)
	return appErr
}

func TestDescriptor_Linking(t *testing.T) {
	desc, err := NewDescriptor(Options{})
	require.NoError(t, err)

	for cmd, want := range map[string]string{
		"register_customer":   "customer_registered",
		"change_email":        "email_changed",
		"record_purchase":     "purchase_recorded",
		"deactivate_customer": "customer_deactivated",
	} {
		ev, ok := desc.EventFor(cmd)
		require.True(t, ok, cmd)
		assert.Equal(t, want, ev.Name)
	}
	_, ok := desc.EventFor("merge_customer")
	assert.False(t, ok)
}

func TestCustomer_Lifecycle(t *testing.T) {
	s := newStack(t, Options{}, NewMemoryRepository(), transaction.NopProvider{})
	ctx := context.Background()

	out, err := s.run(nil, "register_customer", "name", "  Ada  ", "email", " Ada@Example.COM ")
	require.NoError(t, err)
	id := out.Event.AggregateID
	require.NotEmpty(t, id)
	require.Equal(t, "customer_registered", out.Event.Event.Name)
	assert.Equal(t, "Ada", out.State.Get("name"))
	assert.Equal(t, "ada@example.com", out.State.Get("email"))
	assert.Equal(t, StatusActive, out.State.Get("status"))
	assert.True(t, decimal.Zero.Equal(out.State.Get("balance").(decimal.Decimal)))

	out, err = s.run(nil, "record_purchase", "id", id, "total", "12.50", "reference", "INV-1")
	require.NoError(t, err)
	require.Equal(t, "purchase_recorded", out.Event.Event.Name)
	assert.True(t, decimal.RequireFromString("12.5").Equal(out.State.Get("balance").(decimal.Decimal)))

	out, err = s.run(nil, "record_purchase", "id", id, "amount", 7.5)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("20").Equal(out.State.Get("balance").(decimal.Decimal)))
	assert.Equal(t, int64(3), out.State.Version)

	out, err = s.run(nil, "change_email", "id", id, "email", "ada@lovelace.dev")
	require.NoError(t, err)
	assert.Equal(t, "ada@lovelace.dev", out.State.Get("email"))

	out, err = s.run(nil, "deactivate_customer", "id", id, "reason", "requested")
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, out.State.Get("status"))
	assert.Equal(t, int64(5), out.State.Version)

	_, err = s.run(nil, "record_purchase", "id", id, "amount", "1")
	requireCode(t, err, apperrors.CodeAggregate)

	_, err = s.run(nil, "deactivate_customer", "id", id)
	requireCode(t, err, apperrors.CodeAggregate)

	_, err = s.run(nil, "merge_customer", "id", id, "into", "other")
	requireCode(t, err, apperrors.CodeNotImplemented)

	rec, err := s.repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusInactive, rec.Status)
	assert.Equal(t, "ada@lovelace.dev", rec.Email)
	assert.True(t, decimal.RequireFromString("20").Equal(rec.Balance))
	require.NotNil(t, rec.DeactivatedAt)

	state, err := s.d.State(ctx, Type, id)
	require.NoError(t, err)
	assert.Equal(t, int64(5), state.Version)
}

func TestCustomer_Validation(t *testing.T) {
	s := newStack(t, Options{}, NewMemoryRepository(), transaction.NopProvider{})
	out, err := s.run(nil, "register_customer", "id", "c-1", "name", "Ada", "email", "ada@example.com")
	require.NoError(t, err)
	require.Equal(t, "c-1", out.Event.AggregateID)

	tests := []struct {
		name  string
		cmd   string
		kv    []interface{}
		field string
	}{
		{"missing name", "register_customer", []interface{}{"email", "x@example.com"}, "name"},
		{"bad email", "register_customer", []interface{}{"name", "B", "email", "not-an-email"}, "email"},
		{"email taken", "register_customer", []interface{}{"name", "B", "email", "ADA@example.com"}, "email"},
		{"non-numeric amount", "record_purchase", []interface{}{"id", "c-1", "amount", "ten"}, "amount"},
		{"non-positive amount", "record_purchase", []interface{}{"id", "c-1", "amount", "0"}, "amount"},
		{"bad reference", "record_purchase", []interface{}{"id", "c-1", "amount", "5", "reference", "inv 1"}, "reference"},
		{"bad reason", "deactivate_customer", []interface{}{"id", "c-1", "reason", "bored"}, "reason"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.run(nil, tt.cmd, tt.kv...)
			appErr := requireCode(t, err, apperrors.CodeValidation)
			assert.Equal(t, tt.field, appErr.Field())
		})
	}

	state, err := s.d.State(context.Background(), Type, "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
}

func TestCustomer_PurchaseRequiresTransactionProvider(t *testing.T) {
	s := newStack(t, Options{}, NewMemoryRepository(), nil)
	_, err := s.run(nil, "register_customer", "id", "c-1", "name", "Ada", "email", "ada@example.com")
	require.NoError(t, err)

	_, err = s.run(nil, "record_purchase", "id", "c-1", "amount", "5")
	requireCode(t, err, apperrors.CodeTransaction)
}

func TestCustomer_Authorization(t *testing.T) {
	s := newStack(t, Options{Authorize: true}, NewMemoryRepository(), transaction.NopProvider{})

	writer := map[string]interface{}{chain.MetaActor: "u1", chain.MetaPermissions: []string{PermissionWrite}}
	admin := map[string]interface{}{chain.MetaActor: "root", chain.MetaPermissions: []string{PermissionWrite, PermissionAdmin}}

	_, err := s.run(nil, "register_customer", "id", "c-1", "name", "Ada", "email", "ada@example.com")
	requireCode(t, err, apperrors.CodeUnauthorized)

	_, err = s.run(map[string]interface{}{chain.MetaActor: "u2"}, "register_customer", "id", "c-1", "name", "Ada", "email", "ada@example.com")
	requireCode(t, err, apperrors.CodeUnauthorized)

	_, err = s.run(writer, "register_customer", "id", "c-1", "name", "Ada", "email", "ada@example.com")
	require.NoError(t, err)

	_, err = s.run(writer, "deactivate_customer", "id", "c-1")
	requireCode(t, err, apperrors.CodeUnauthorized)

	_, err = s.run(admin, "deactivate_customer", "id", "c-1")
	require.NoError(t, err)
}

func TestCustomer_AuditsEveryAttempt(t *testing.T) {
	auditor := audit.NewMemoryLogger()
	s := newStack(t, Options{Auditor: auditor}, NewMemoryRepository(), transaction.NopProvider{})
	meta := map[string]interface{}{chain.MetaActor: "u1"}

	_, err := s.run(meta, "register_customer", "id", "c-1", "name", "Ada", "email", "ada@example.com")
	require.NoError(t, err)
	_, err = s.run(meta, "merge_customer", "id", "c-1", "into", "c-2")
	require.Error(t, err)

	records, err := auditor.List(context.Background(), Type, "c-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "command.register_customer", records[0].Action)
	assert.Equal(t, "succeeded", records[0].Details["outcome"])
	assert.Equal(t, "command.merge_customer", records[1].Action)
	assert.Equal(t, apperrors.CodeNotImplemented, records[1].Details["error_code"])
	assert.Equal(t, "u1", records[1].Actor)
}

func TestPgxRepository(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "customers")
	ctx := context.Background()
	repo := NewPgxRepository(pool)
	require.NoError(t, repo.Migrate(ctx))

	s := newStack(t, Options{}, repo, transaction.NewPgxProvider(pool))

	out, err := s.run(nil, "register_customer", "name", "Ada", "email", "ada@example.com")
	require.NoError(t, err)
	id := out.Event.AggregateID

	_, err = s.run(nil, "record_purchase", "id", id, "amount", "10.25")
	require.NoError(t, err)

	_, err = s.run(nil, "register_customer", "name", "Bob", "email", "ada@example.com")
	requireCode(t, err, apperrors.CodeValidation)

	rec, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.25").Equal(rec.Balance))
	assert.Nil(t, rec.DeactivatedAt)

	_, err = s.run(nil, "deactivate_customer", "id", id)
	require.NoError(t, err)

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, StatusInactive, all[0].Status)
	require.NotNil(t, all[0].DeactivatedAt)

	_, err = repo.Get(ctx, "missing")
	requireCode(t, err, apperrors.CodeNotFound)
}
