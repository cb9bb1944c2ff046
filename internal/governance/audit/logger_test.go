package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"keel.dev/keel/internal/chain"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/storage/postgres"
	"keel.dev/keel/internal/testutil"
)

var (
	_ chain.Auditor = (*Logger)(nil)
	_ chain.Auditor = (*MemoryLogger)(nil)
)

func init() {
	_ = logger.Init("error", "json")
}

func TestMemoryLogger(t *testing.T) {
	t.Parallel()

	m := NewMemoryLogger()
	ctx := context.Background()
	require.NoError(t, m.LogAction(ctx, "command.register_customer", "customer", "1", "u1", map[string]interface{}{"outcome": "ok"}))
	require.NoError(t, m.LogAction(ctx, "command.change_email", "customer", "2", "u1", nil))

	got, err := m.List(ctx, "customer", "1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "command.register_customer", got[0].Action)
	require.Contains(t, got[0].ID, "audit-")
	require.Len(t, m.Records(), 2)
}

func TestGenerateAuditID_Unique(t *testing.T) {
	t.Parallel()

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := generateAuditID()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestLogger_Postgres(t *testing.T) {
	pool := testutil.OpenPGXPool(t, "audit")
	ctx := context.Background()
	require.NoError(t, postgres.Migrate(ctx, pool))

	l := NewLogger(pool)
	require.NoError(t, l.LogAction(ctx, "command.register_customer", "customer", "1", "u1", map[string]interface{}{"outcome": "ok"}))
	require.NoError(t, l.LogAction(ctx, "command.change_email", "customer", "1", "u2", nil))

	got, err := l.List(ctx, "customer", "1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "ok", got[0].Details["outcome"])
	require.Nil(t, got[1].Details)
	require.Equal(t, "u2", got[1].Actor)
}
