package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sapphirehost/sapphire/internal/tools"
)

// Tool names the engine answers for. The orchestrator dispatches these
// before consulting the general registry.
const (
	ToolGetState         = "get_state"
	ToolSetState         = "set_state"
	ToolRollDice         = "roll_dice"
	ToolIncrementCounter = "increment_counter"
	ToolMove             = "move"
	ToolMakeChoice       = "make_choice"
	ToolAttemptRiddle    = "attempt_riddle"
)

// IsStateTool reports whether a tool name belongs to the engine.
func IsStateTool(name string) bool {
	switch name {
	case ToolGetState, ToolSetState, ToolRollDice, ToolIncrementCounter,
		ToolMove, ToolMakeChoice, ToolAttemptRiddle:
		return true
	}
	return false
}

// Tools returns the descriptors to expose for a chat. The navigation, choice
// and riddle tools appear only when the active preset configures them.
func (e *Engine) Tools(chat string) []tools.Descriptor {
	out := []tools.Descriptor{
		{
			Name:        ToolGetState,
			Description: "Read the scenario state. Omit key to list everything visible.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string", "description": "Specific state key to read."}
				}
			}`),
			Local: true,
		},
		{
			Name:        ToolSetState,
			Description: "Write a scenario state value. Writes are validated against the key's constraints.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"value": {},
					"reason": {"type": "string", "description": "Why the value changed."}
				},
				"required": ["key", "value"]
			}`),
			Local: true,
		},
		{
			Name:        ToolRollDice,
			Description: "Roll dice for a skill check or random outcome.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"count": {"type": "integer", "minimum": 1, "maximum": 20},
					"sides": {"type": "integer", "minimum": 2, "maximum": 100}
				},
				"required": ["count", "sides"]
			}`),
			Local: true,
		},
		{
			Name:        ToolIncrementCounter,
			Description: "Add to a numeric state value. Clamps to the key's bounds and reports clamping.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"key": {"type": "string"},
					"amount": {"type": "number", "description": "Defaults to 1; may be negative."},
					"reason": {"type": "string"}
				},
				"required": ["key"]
			}`),
			Local: true,
		},
	}

	preset := e.ActivePreset(chat)
	if preset == nil {
		return out
	}
	if preset.Navigation != nil {
		out = append(out, tools.Descriptor{
			Name:        ToolMove,
			Description: "Move through the scenario's rooms.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"direction": {"type": "string", "description": "A direction such as north or up; short aliases like n and u work."},
					"reason": {"type": "string"}
				},
				"required": ["direction"]
			}`),
			Local: true,
		})
	}
	if len(preset.Choices) > 0 {
		out = append(out, tools.Descriptor{
			Name:        ToolMakeChoice,
			Description: "Resolve a pending scenario choice.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"choice_id": {"type": "string"},
					"option": {"type": "string"},
					"reason": {"type": "string"}
				},
				"required": ["choice_id", "option"]
			}`),
			Local: true,
		})
	}
	if len(preset.Riddles) > 0 {
		out = append(out, tools.Descriptor{
			Name:        ToolAttemptRiddle,
			Description: "Submit an answer to a scenario riddle.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"riddle_id": {"type": "string"},
					"answer": {"type": "string"}
				},
				"required": ["riddle_id", "answer"]
			}`),
			Local: true,
		})
	}
	return out
}

// ExecuteTool dispatches one of the engine's tools for a chat at the given
// turn. Results follow the tool contract: (text, success).
func (e *Engine) ExecuteTool(ctx context.Context, chat, name string, args tools.Args, turn int) (string, bool) {
	switch name {
	case ToolGetState:
		return e.executeGetState(chat, args, turn)
	case ToolSetState:
		key := args.String("key")
		if key == "" {
			return "key is required", false
		}
		value, ok := args.Value("value")
		if !ok {
			return "value is required", false
		}
		return e.SetState(chat, key, value, ActorAI, turn, args.String("reason"))
	case ToolRollDice:
		return e.executeRollDice(chat, args, turn)
	case ToolIncrementCounter:
		return e.executeIncrement(chat, args, turn)
	case ToolMove:
		return e.Move(chat, args.String("direction"), turn, args.String("reason"))
	case ToolMakeChoice:
		return e.MakeChoice(chat, args.String("choice_id"), args.String("option"), turn, args.String("reason"))
	case ToolAttemptRiddle:
		return e.AttemptRiddle(chat, args.String("riddle_id"), args.String("answer"), turn)
	}
	return "unknown state tool: " + name, false
}

func (e *Engine) executeGetState(chat string, args tools.Args, turn int) (string, bool) {
	if key := args.String("key"); key != "" {
		value, ok := e.GetState(chat, key)
		if !ok {
			visible := e.VisibleState(chat, turn)
			keys := make([]string, 0, len(visible))
			for k := range visible {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			return fmt.Sprintf("No state named %q. Known keys: %s.", key, strings.Join(keys, ", ")), false
		}
		return fmt.Sprintf("%s = %s", key, formatValue(value)), true
	}
	summary := e.StateSummary(chat, turn)
	if summary == "" {
		return "No state has been set yet.", true
	}
	return summary, true
}

func (e *Engine) executeRollDice(chat string, args tools.Args, turn int) (string, bool) {
	count := args.Int("count", 1)
	sides := args.Int("sides", 6)
	if count < 1 || count > 20 {
		return "count must be between 1 and 20", false
	}
	if sides < 2 || sides > 100 {
		return "sides must be between 2 and 100", false
	}

	rolls := make([]int, count)
	total := 0
	parts := make([]string, count)
	for i := range rolls {
		rolls[i] = e.intn(sides) + 1
		total += rolls[i]
		parts[i] = fmt.Sprintf("%d", rolls[i])
	}
	result := fmt.Sprintf("Rolled %dd%d: %s (total %d)", count, sides, strings.Join(parts, ", "), total)

	cs := e.chat(chat)
	cs.mu.Lock()
	e.writeLocked(cs, chat, KeyLastRoll, result, ActorSystem, turn, "dice roll")
	cs.mu.Unlock()
	return result, true
}

func (e *Engine) executeIncrement(chat string, args tools.Args, turn int) (string, bool) {
	key := args.String("key")
	if key == "" {
		return "key is required", false
	}
	amount := 1.0
	if v, ok := args.Float("amount"); ok {
		amount = v
	}

	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	entry, ok := cs.entries[key]
	if !ok {
		return fmt.Sprintf("No state named %q to increment.", key), false
	}
	current, numeric := asFloat(entry.Value)
	if !numeric {
		return fmt.Sprintf("%s is not numeric.", key), false
	}

	target := current + amount
	clamped := ""
	if c := entry.Constraints; c != nil {
		if c.Max != nil && target > *c.Max {
			target = *c.Max
			clamped = " (clamped to max)"
		}
		if c.Min != nil && target < *c.Min {
			target = *c.Min
			clamped = " (clamped to min)"
		}
	}
	if target == current {
		return fmt.Sprintf("%s stays at %s%s.", key, formatNumber(current), clamped), true
	}
	msg, ok := e.setLocked(cs, chat, key, target, ActorAI, turn, args.String("reason"), true)
	if !ok {
		return msg, false
	}
	return fmt.Sprintf("%s is now %s%s.", key, formatNumber(target), clamped), true
}
