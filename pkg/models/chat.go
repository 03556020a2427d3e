package models

// DefaultChatName is the reserved chat that always exists and cannot be
// deleted. Deleting the active chat switches back to it.
const DefaultChatName = "default"

// ChatSettings is the closed per-chat settings bundle. The zero value is not
// useful; use DefaultChatSettings.
type ChatSettings struct {
	Prompt         string `json:"prompt"`
	Toolset        string `json:"toolset"`
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Voice          string `json:"voice"`
	Pitch          string `json:"pitch"`
	Speed          string `json:"speed"`
	SpiceSet       string `json:"spice_set"`
	SpiceEnabled   bool   `json:"spice_enabled"`
	SpiceTurns     int    `json:"spice_turns"`
	InjectDatetime bool   `json:"inject_datetime"`
	CustomContext  string `json:"custom_context"`
	MemoryScope    string `json:"memory_scope"`
	TrimColor      string `json:"trim_color"`

	StateEngineEnabled bool   `json:"state_engine_enabled"`
	StatePreset        string `json:"state_preset"`
	StateVarsInPrompt  bool   `json:"state_vars_in_prompt"`
	StateStoryInPrompt bool   `json:"state_story_in_prompt"`

	// PrivacyRequired is derived from the active prompt and never written
	// through the settings API.
	PrivacyRequired bool `json:"privacy_required"`
}

// DefaultChatSettings returns the settings a freshly created chat starts with.
func DefaultChatSettings() ChatSettings {
	return ChatSettings{
		Prompt:     "default",
		Toolset:    "none",
		SpiceTurns: 5,
	}
}

// ChatFile is the on-disk shape of a chat. Legacy files holding a bare
// message array remain read-compatible; writes always use this shape.
type ChatFile struct {
	Settings ChatSettings `json:"settings"`
	Messages []Message    `json:"messages"`
}
