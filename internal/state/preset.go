package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// GameType distinguishes linear scene progression from room navigation.
type GameType string

const (
	GameLinear GameType = "linear"
	GameRooms  GameType = "rooms"
)

// InitialEntry is one key definition in a preset's initial state.
type InitialEntry struct {
	Value       any          `json:"value"`
	Type        string       `json:"type,omitempty"`
	Label       string       `json:"label,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
}

// PromptConfig drives progressive prompt assembly.
type PromptConfig struct {
	Base     string            `json:"base"`
	Iterator string            `json:"iterator"`
	Mode     string            `json:"mode"` // cumulative or current_only
	Segments map[string]string `json:"segments"`
}

// Choice is a binary decision the story asks the user to make.
type Choice struct {
	ID               string   `json:"id"`
	Prompt           string   `json:"prompt"`
	Options          []string `json:"options"`
	StateKey         string   `json:"state_key"`
	RequiredForScene float64  `json:"required_for_scene,omitempty"`
}

// Riddle is a puzzle with a deterministically derived answer. Clues map a
// segment-style condition expression to a clue text; an empty condition is
// always shown.
type Riddle struct {
	ID               string            `json:"id"`
	Type             string            `json:"type"` // fixed, numeric, word
	Answer           string            `json:"answer,omitempty"`
	Digits           int               `json:"digits,omitempty"`
	Wordlist         []string          `json:"wordlist,omitempty"`
	Clues            map[string]string `json:"clues,omitempty"`
	MaxAttempts      int               `json:"max_attempts"`
	SuccessSets      map[string]any    `json:"success_sets,omitempty"`
	LockoutSets      map[string]any    `json:"lockout_sets,omitempty"`
	VisibleFromScene float64           `json:"visible_from_scene,omitempty"`
}

// Navigation describes a room graph. Connections maps room → direction →
// destination room.
type Navigation struct {
	PositionKey string                       `json:"position_key"`
	Connections map[string]map[string]string `json:"connections"`
	RoomNames   map[string]string            `json:"room_names,omitempty"`
}

// Preset bundles the initial state and feature configuration of a scenario.
type Preset struct {
	Name              string                  `json:"name"`
	InitialState      map[string]InitialEntry `json:"initial_state"`
	ProgressivePrompt *PromptConfig           `json:"progressive_prompt,omitempty"`
	Choices           []Choice                `json:"choices,omitempty"`
	Riddles           []Riddle                `json:"riddles,omitempty"`
	Navigation        *Navigation             `json:"navigation,omitempty"`
	GameType          GameType                `json:"game_type,omitempty"`
}

func (p *Preset) iteratorKey() string {
	if p.ProgressivePrompt == nil {
		return ""
	}
	return p.ProgressivePrompt.Iterator
}

func (p *Preset) choiceByStateKey(key string) *Choice {
	for i := range p.Choices {
		if p.Choices[i].StateKey == key {
			return &p.Choices[i]
		}
	}
	return nil
}

func (p *Preset) choiceByID(id string) *Choice {
	for i := range p.Choices {
		if p.Choices[i].ID == id {
			return &p.Choices[i]
		}
	}
	return nil
}

func (p *Preset) riddleByID(id string) *Riddle {
	for i := range p.Riddles {
		if p.Riddles[i].ID == id {
			return &p.Riddles[i]
		}
	}
	return nil
}

// effectiveGameType auto-detects rooms mode from navigation presence.
func (p *Preset) effectiveGameType() GameType {
	if p.GameType != "" {
		return p.GameType
	}
	if p.Navigation != nil {
		return GameRooms
	}
	return GameLinear
}

// RegisterPreset makes a preset loadable by name.
func (e *Engine) RegisterPreset(p *Preset) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.presets[p.Name] = p
}

// LoadPresetsDir reads every *.json preset under dir. A missing directory is
// not an error: presets are optional.
func (e *Engine) LoadPresetsDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return err
		}
		var preset Preset
		if err := json.Unmarshal(raw, &preset); err != nil {
			return fmt.Errorf("parse preset %s: %w", entry.Name(), err)
		}
		if preset.Name == "" {
			preset.Name = strings.TrimSuffix(entry.Name(), ".json")
		}
		e.RegisterPreset(&preset)
	}
	return nil
}

// PresetNames lists the registered presets.
func (e *Engine) PresetNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.presets))
	for name := range e.presets {
		names = append(names, name)
	}
	return names
}

// LoadPreset installs a preset into a chat: records the preset name, writes
// the initial state, seeds riddle answers and stamps the scene entry turn.
// Existing state for the chat is replaced.
func (e *Engine) LoadPreset(chat, name string, turn int) error {
	e.mu.Lock()
	preset, ok := e.presets[name]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("preset %q is not registered", name)
	}

	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if _, err := e.db.Exec(`DELETE FROM state_current WHERE chat_name = ?`, chat); err != nil {
		return err
	}
	if _, err := e.db.Exec(`DELETE FROM state_log WHERE chat_name = ?`, chat); err != nil {
		return err
	}
	cs.entries = map[string]*Entry{}
	cs.loaded = true
	cs.preset = preset

	if err := e.setEntryLocked(cs, chat, KeyPreset, name, "string", "Active preset", nil, turn); err != nil {
		return err
	}
	for key, def := range preset.InitialState {
		if err := e.setEntryLocked(cs, chat, key, def.Value, def.Type, def.Label, def.Constraints, turn); err != nil {
			return err
		}
	}
	for i := range preset.Riddles {
		if err := e.seedRiddleLocked(cs, chat, &preset.Riddles[i], turn); err != nil {
			return err
		}
	}
	if preset.Navigation != nil {
		if entry, ok := cs.entries[preset.Navigation.PositionKey]; ok {
			if room, ok := entry.Value.(string); ok {
				if err := e.setEntryLocked(cs, chat, KeyVisitedRooms, []any{room}, "array", "Visited rooms", nil, turn); err != nil {
					return err
				}
			}
		}
	}
	if preset.ProgressivePrompt != nil {
		if err := e.setEntryLocked(cs, chat, KeySceneEnteredAt, turn, "integer", "", nil, turn); err != nil {
			return err
		}
	}
	return nil
}

// ActivePreset returns the preset bound to a chat, or nil.
func (e *Engine) ActivePreset(chat string) *Preset {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.preset
}
