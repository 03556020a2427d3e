package homeassistant

import (
	"context"
	"encoding/json"

	"github.com/sapphirehost/sapphire/internal/privacy"
	"github.com/sapphirehost/sapphire/internal/store"
	"github.com/sapphirehost/sapphire/internal/tools"
)

// urlSettingKey is the settings key holding the instance URL.
const urlSettingKey = "homeassistant_url"

// Source resolves a client from the runtime stores on every call, so URL or
// token changes take effect without a restart.
type Source struct {
	Gate        *privacy.Gate
	Settings    *store.Settings
	Credentials *store.Credentials
}

func (s Source) client() (*Client, error) {
	return NewClient(s.Settings.GetString(urlSettingKey, ""), s.Credentials.HomeAssistantToken())
}

func (s Source) allowed(c *Client) bool {
	return s.Gate == nil || s.Gate.IsAllowedEndpoint(c.BaseURL())
}

// Register installs the Home Assistant tools and their toolset.
func Register(registry *tools.Registry, gate *privacy.Gate, settings *store.Settings, creds *store.Credentials) {
	src := Source{Gate: gate, Settings: settings, Credentials: creds}
	registry.Register(&CallServiceTool{src: src})
	registry.Register(&StateTool{src: src})
	registry.RegisterToolset("home", []string{"ha_call_service", "ha_get_state"})
}

// CallServiceTool calls a Home Assistant service such as light.turn_on.
type CallServiceTool struct {
	src Source
}

func (t *CallServiceTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "ha_call_service",
		Description: "Call a Home Assistant service (domain + service) with optional service data.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"domain": {"type": "string", "description": "Service domain, e.g. light or switch."},
				"service": {"type": "string", "description": "Service name, e.g. turn_on."},
				"service_data": {
					"type": "object",
					"description": "Service payload, e.g. {\"entity_id\": \"light.kitchen\"}.",
					"additionalProperties": true
				}
			},
			"required": ["domain", "service"]
		}`),
		Network: true,
	}
}

// Execute calls the service. A privacy denial is a tool failure and no
// outbound request is issued.
func (t *CallServiceTool) Execute(ctx context.Context, args tools.Args) (string, bool) {
	client, err := t.src.client()
	if err != nil {
		return err.Error(), false
	}
	if !t.src.allowed(client) {
		return "Privacy mode blocked the request to " + client.BaseURL(), false
	}

	var data map[string]any
	if raw, ok := args.Value("service_data"); ok {
		data, _ = raw.(map[string]any)
	}
	result, err := client.CallService(ctx, args.String("domain"), args.String("service"), data)
	if err != nil {
		return err.Error(), false
	}
	return string(result), true
}

// StateTool reads a single entity state.
type StateTool struct {
	src Source
}

func (t *StateTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "ha_get_state",
		Description: "Get the current state of a Home Assistant entity.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"entity_id": {"type": "string", "description": "Entity to read, e.g. light.kitchen."}
			},
			"required": ["entity_id"]
		}`),
		Network: true,
	}
}

func (t *StateTool) Execute(ctx context.Context, args tools.Args) (string, bool) {
	client, err := t.src.client()
	if err != nil {
		return err.Error(), false
	}
	if !t.src.allowed(client) {
		return "Privacy mode blocked the request to " + client.BaseURL(), false
	}

	result, err := client.State(ctx, args.String("entity_id"))
	if err != nil {
		return err.Error(), false
	}
	return string(result), true
}
