// Package postgres provides pgx-backed event journal and snapshot stores.
//
// Queries run through transaction.QuerierFrom, so an append issued inside a
// transaction boundary joins that transaction.
//
// Import Path: keel.dev/keel/internal/storage/postgres
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"keel.dev/keel/internal/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the engine tables when missing.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply engine schema: %w", err)
	}
	logger.Info("Engine schema applied", zap.String("tables", "keel_events,keel_snapshots,audit_logs"))
	return nil
}
