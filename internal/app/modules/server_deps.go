package modules

import (
	"keel.dev/keel/internal/api/handlers"
	"keel.dev/keel/internal/dispatch"
)

// NewServerDeps builds base server deps then lets each module contribute explicit wiring.
func NewServerDeps(infra *Infrastructure, d *dispatch.Dispatcher, mods []Module) handlers.ServerDeps {
	deps := handlers.ServerDeps{
		Dispatcher: d,
		Audit:      infra.Audit,
		Workers:    infra.Pools,
	}
	if infra.Pool != nil {
		deps.DB = infra.Pool
	}
	for _, mod := range mods {
		if mod == nil {
			continue
		}
		mod.ContributeServerDeps(&deps)
	}
	return deps
}
