// Package builtin provides the module-shipped tools and their toolsets.
package builtin

import (
	"github.com/sapphirehost/sapphire/internal/privacy"
	"github.com/sapphirehost/sapphire/internal/store"
	"github.com/sapphirehost/sapphire/internal/tools"
)

// RegisterAll installs every builtin tool and the module-provided toolsets
// into the registry.
func RegisterAll(registry *tools.Registry, gate *privacy.Gate, settings *store.Settings) {
	registry.Register(&TimeDateTool{})
	registry.Register(NewWeatherTool(gate))
	registry.Register(NewRememberNoteTool(settings))
	registry.Register(NewRecallNotesTool(settings))

	registry.RegisterToolset("utilities", []string{"time_date", "remember_note", "recall_notes"})
	registry.RegisterToolset("online", []string{"time_date", "get_weather"})
}
