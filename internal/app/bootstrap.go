// Package app is the composition root: it wires configuration, storage,
// modules and the HTTP router. Bootstrap stays orchestration-only.
//
// Import Path: keel.dev/keel/internal/app
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"keel.dev/keel/internal/api/handlers"
	"keel.dev/keel/internal/api/middleware"
	"keel.dev/keel/internal/app/modules"
	"keel.dev/keel/internal/config"
	"keel.dev/keel/internal/dispatch"
	"keel.dev/keel/internal/infrastructure"
	"keel.dev/keel/internal/pkg/logger"
	"keel.dev/keel/internal/pkg/tracing"
	"keel.dev/keel/internal/pkg/worker"
)

// Application holds composed application dependencies.
type Application struct {
	Config     *config.Config
	Router     *gin.Engine
	Dispatcher *dispatch.Dispatcher
	DB         *infrastructure.DatabaseClients
	Pools      *worker.Pools
	Modules    []modules.Module

	infra          *modules.Infrastructure
	tracerShutdown func(context.Context) error
}

// Bootstrap initializes all dependencies using module-oriented manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	tracerShutdown, err := tracing.Setup(ctx, tracing.Config{
		Enabled:     cfg.OTel.Enabled,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	infra, err := modules.NewInfrastructure(ctx, cfg)
	if err != nil {
		_ = tracerShutdown(ctx)
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}

	allModules := []modules.Module{
		modules.NewSnapshotModule(infra),
		modules.NewCustomerModule(infra),
	}

	workers := river.NewWorkers()
	var periodic []*river.PeriodicJob
	for _, mod := range allModules {
		mod.RegisterWorkers(workers)
		if pc, ok := mod.(modules.PeriodicJobContributor); ok {
			periodic = append(periodic, pc.PeriodicJobs()...)
		}
	}
	if err := infra.InitRiver(workers, periodic); err != nil {
		infra.Close()
		_ = tracerShutdown(ctx)
		return nil, fmt.Errorf("init river workers: %w", err)
	}

	dispatcher := dispatch.New(infra.Journal, infra.Handlers)
	for _, mod := range allModules {
		rm, ok := mod.(modules.ResourceModule)
		if !ok {
			continue
		}
		if err := rm.RegisterResources(ctx, dispatcher); err != nil {
			infra.Close()
			_ = tracerShutdown(ctx)
			return nil, fmt.Errorf("register %s resources: %w", mod.Name(), err)
		}
	}
	logger.Info("Aggregate types registered", zap.Strings("types", dispatcher.Types()))

	server := handlers.NewServer(modules.NewServerDeps(infra, dispatcher, allModules))
	jwtCfg := middleware.JWTConfig{
		SigningKey: []byte(cfg.Security.JWTSigningKey),
		Issuer:     cfg.Security.JWTIssuer,
		Required:   cfg.Security.RequireAuth,
	}

	return &Application{
		Config:         cfg,
		Router:         newRouter(cfg, server, jwtCfg),
		Dispatcher:     dispatcher,
		DB:             infra.DB,
		Pools:          infra.Pools,
		Modules:        allModules,
		infra:          infra,
		tracerShutdown: tracerShutdown,
	}, nil
}
