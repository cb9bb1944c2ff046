package modules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"keel.dev/keel/internal/action"
	"keel.dev/keel/internal/config"
	"keel.dev/keel/internal/dispatch"
	"keel.dev/keel/internal/domain"
	"keel.dev/keel/internal/governance/audit"
	"keel.dev/keel/internal/infrastructure"
	"keel.dev/keel/internal/jobs"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/pkg/worker"
	"keel.dev/keel/internal/snapshot"
	"keel.dev/keel/internal/storage/memory"
	"keel.dev/keel/internal/storage/postgres"
	redisstore "keel.dev/keel/internal/storage/redis"
	"keel.dev/keel/internal/transaction"
)

// AuditLog records command attempts and reads them back.
type AuditLog interface {
	LogAction(ctx context.Context, action, resourceType, resourceID, actor string, details map[string]interface{}) error
	List(ctx context.Context, resourceType, resourceID string) ([]audit.Record, error)
}

// Infrastructure holds shared cross-cutting dependencies for all modules.
// It is a provider, not a Module.
type Infrastructure struct {
	Config   *config.Config
	DB       *infrastructure.DatabaseClients
	Pool     *pgxpool.Pool
	Redis    *goredis.Client
	Pools    *worker.Pools
	Journal  dispatch.Journal
	Audit    AuditLog
	Tx       action.TxProvider
	Registry *action.Registry
	Handlers *domain.EventDispatcher

	// durable is where snapshots finally land; snapshots is what managers
	// write to, which differs from durable only for the queue store.
	durable   snapshot.Store
	snapshots snapshot.Store
	pruner    jobs.Pruner
}

// NewInfrastructure initializes storage, pools and shared services. With
// database.enabled unset every store is in memory.
func NewInfrastructure(ctx context.Context, cfg *config.Config) (*Infrastructure, error) {
	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:  cfg.Worker.GeneralPoolSize,
		SnapshotPoolSize: cfg.Worker.SnapshotPoolSize,
	})
	if err != nil {
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	infra := &Infrastructure{
		Config:   cfg,
		Pools:    pools,
		Registry: action.NewRegistry(),
		Handlers: domain.NewEventDispatcher(),
	}

	if cfg.Database.Enabled {
		db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
		if err != nil {
			infra.Close()
			return nil, fmt.Errorf("init database: %w", err)
		}
		infra.DB = db
		infra.Pool = db.Pool

		if cfg.Database.AutoMigrate {
			if err := db.AutoMigrate(ctx); err != nil {
				infra.Close()
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
		}

		infra.Journal = postgres.NewJournal(db.Pool)
		infra.Audit = audit.NewLogger(db.Pool)
		infra.Tx = transaction.NewPgxProvider(db.Pool)
	} else {
		logger.Warn("Database disabled, events and audit records are kept in memory")
		infra.Journal = memory.NewJournal()
		infra.Audit = audit.NewMemoryLogger()
		infra.Tx = transaction.NopProvider{}
	}

	if err := infra.initSnapshotStore(ctx); err != nil {
		infra.Close()
		return nil, err
	}
	return infra, nil
}

func (i *Infrastructure) initSnapshotStore(ctx context.Context) error {
	switch i.Config.Snapshot.Store {
	case config.SnapshotStorePostgres, config.SnapshotStoreQueue:
		if i.Pool == nil {
			return fmt.Errorf("snapshot store %q requires database.enabled", i.Config.Snapshot.Store)
		}
		store := postgres.NewSnapshotStore(i.Pool)
		i.durable, i.pruner = store, store
	case config.SnapshotStoreRedis:
		rdb, err := infrastructure.NewRedisClient(ctx, i.Config.Redis)
		if err != nil {
			return fmt.Errorf("init redis: %w", err)
		}
		i.Redis = rdb
		opts := []redisstore.Option{redisstore.WithTTL(i.Config.Redis.TTL)}
		if i.Config.Redis.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(i.Config.Redis.KeyPrefix))
		}
		i.durable = redisstore.NewSnapshotStore(rdb, opts...)
	default:
		store := memory.NewSnapshotStore()
		i.durable, i.pruner = store, store
	}
	i.snapshots = i.durable

	logger.Info("Snapshot store selected",
		zap.String("store", i.Config.Snapshot.Store),
		zap.Bool("enabled", i.Config.Snapshot.Enabled),
		zap.Int64("threshold", i.Config.Snapshot.Threshold),
	)
	return nil
}

// InitRiver initializes the River client on top of a prepared worker
// registry. Without a database there is no queue and this is a no-op.
func (i *Infrastructure) InitRiver(workers *river.Workers, periodic []*river.PeriodicJob) error {
	if i == nil || i.Config == nil {
		return fmt.Errorf("infrastructure is not initialized")
	}
	if i.DB == nil {
		return nil
	}
	if err := i.DB.InitRiverClient(workers, periodic, i.Config.River); err != nil {
		return fmt.Errorf("init river: %w", err)
	}
	if i.Config.Snapshot.Store == config.SnapshotStoreQueue {
		i.snapshots = jobs.NewQueueStore(i.DB.RiverClient, i.durable)
	}
	return nil
}

// SnapshotManager builds the snapshot policy for desc, or returns nil when
// snapshotting is disabled.
func (i *Infrastructure) SnapshotManager(desc *domain.Descriptor) *snapshot.Manager {
	sc := i.Config.Snapshot
	if !sc.Enabled {
		return nil
	}
	return snapshot.NewManager(desc, snapshot.Config{
		Enabled:       true,
		Threshold:     sc.Threshold,
		SchemaVersion: sc.SchemaVersion,
	}, i.snapshots, i.Pools)
}

// Close releases infra resources in reverse dependency order.
func (i *Infrastructure) Close() {
	if i == nil {
		return
	}
	if i.Pools != nil {
		i.Pools.Shutdown()
	}
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			logger.Warn("Redis close failed", zap.Error(err))
		}
	}
	if i.DB != nil {
		i.DB.Close()
	}
}
