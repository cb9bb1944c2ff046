// Package modules contains the dependency modules wired by the composition
// root: shared infrastructure, the snapshot job module and one module per
// aggregate resource.
//
// Import Path: keel.dev/keel/internal/app/modules
package modules

import (
	"context"

	"github.com/riverqueue/river"

	"keel.dev/keel/internal/api/handlers"
	"keel.dev/keel/internal/dispatch"
)

// Module represents a dependency unit in the composition root.
type Module interface {
	// Name returns a stable module identifier for logging/debugging.
	Name() string

	// ContributeServerDeps injects module-owned dependencies into the HTTP server deps.
	ContributeServerDeps(*handlers.ServerDeps)

	// RegisterWorkers registers module workers into a shared River worker registry.
	RegisterWorkers(*river.Workers)

	// Shutdown performs module-local graceful cleanup.
	Shutdown(context.Context) error
}

// PeriodicJobContributor is implemented by modules that schedule River
// periodic jobs.
type PeriodicJobContributor interface {
	PeriodicJobs() []*river.PeriodicJob
}

// ResourceModule is implemented by modules that register aggregate runtimes.
// RegisterResources runs after River is initialized, so snapshot stores
// backed by the queue are available.
type ResourceModule interface {
	RegisterResources(ctx context.Context, d *dispatch.Dispatcher) error
}
