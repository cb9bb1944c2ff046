package modules

import (
	"context"
	"fmt"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"keel.dev/keel/internal/action"
	"keel.dev/keel/internal/aggregate"
	"keel.dev/keel/internal/api/handlers"
	"keel.dev/keel/internal/dispatch"
	"keel.dev/keel/internal/domain"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/resources/customer"
)

// CustomerModule wires the customer aggregate: repository, actions and
// runtime.
type CustomerModule struct {
	infra *Infrastructure
	repo  customer.Repository
}

// NewCustomerModule creates the customer module. The repository follows the
// database setting.
func NewCustomerModule(infra *Infrastructure) *CustomerModule {
	var repo customer.Repository = customer.NewMemoryRepository()
	if infra.Pool != nil {
		repo = customer.NewPgxRepository(infra.Pool)
	}
	return &CustomerModule{infra: infra, repo: repo}
}

func (m *CustomerModule) Name() string { return customer.Type }

// RegisterResources migrates the customers table when configured, then
// registers actions and the runtime.
func (m *CustomerModule) RegisterResources(ctx context.Context, d *dispatch.Dispatcher) error {
	if pg, ok := m.repo.(*customer.PgxRepository); ok && m.infra.Config.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate customers: %w", err)
		}
	}

	desc, err := customer.NewDescriptor(customer.Options{
		Auditor:   m.infra.Audit,
		Authorize: m.infra.Config.Security.RequireAuth,
	})
	if err != nil {
		return fmt.Errorf("customer descriptor: %w", err)
	}

	customer.NewActions(m.repo).Register(m.infra.Registry)
	d.Register(aggregate.NewRuntime(desc,
		action.NewExecutor(m.infra.Registry, m.infra.Tx),
		m.infra.SnapshotManager(desc),
	))

	m.infra.Handlers.Register("customer_deactivated", func(_ context.Context, ev domain.RecordedEvent) error {
		logger.Info("Customer deactivated",
			append(logger.Aggregate(ev.AggregateType, ev.AggregateID),
				zap.Int64("version", ev.Version),
				zap.Any("deactivated_at", ev.Event.Get("deactivated_at")),
			)...,
		)
		return nil
	})
	return nil
}

func (m *CustomerModule) ContributeServerDeps(_ *handlers.ServerDeps) {}

func (m *CustomerModule) RegisterWorkers(_ *river.Workers) {}

func (m *CustomerModule) Shutdown(context.Context) error { return nil }
