package state

import (
	"fmt"
	"strings"
)

// pendingLocked reports whether a choice has not been resolved yet: its state
// key holds no value from the option set.
func (e *Engine) pendingLocked(cs *chatState, choice *Choice) bool {
	entry, ok := cs.entries[choice.StateKey]
	if !ok {
		return true
	}
	for _, opt := range choice.Options {
		if valuesEqual(entry.Value, opt) {
			return false
		}
	}
	return true
}

// checkPendingChoicesLocked gates iterator advances: entering a scene that a
// pending choice is required for is refused with a message naming the choice.
func (e *Engine) checkPendingChoicesLocked(cs *chatState, next any) (string, bool) {
	target, numeric := asFloat(next)
	if !numeric || cs.preset == nil {
		return "", true
	}
	for i := range cs.preset.Choices {
		choice := &cs.preset.Choices[i]
		if choice.RequiredForScene == 0 || target < choice.RequiredForScene {
			continue
		}
		if e.pendingLocked(cs, choice) {
			return fmt.Sprintf("Cannot advance: choice %s (%s) must be resolved first. Options: %s.",
				choice.ID, choice.Prompt, strings.Join(choice.Options, ", ")), false
		}
	}
	return "", true
}

// resolveChoiceLocked handles an AI set_state aimed at a choice's state key
// by routing it through the same validation make_choice uses.
func (e *Engine) resolveChoiceLocked(cs *chatState, chat string, choice *Choice, value any, turn int, reason string) (string, bool) {
	option, ok := value.(string)
	if !ok {
		return fmt.Sprintf("Choice %s takes one of: %s.", choice.ID, strings.Join(choice.Options, ", ")), false
	}
	return e.makeChoiceLocked(cs, chat, choice, option, turn, reason)
}

func (e *Engine) makeChoiceLocked(cs *chatState, chat string, choice *Choice, option string, turn int, reason string) (string, bool) {
	if !e.pendingLocked(cs, choice) {
		entry := cs.entries[choice.StateKey]
		return fmt.Sprintf("Choice %s was already resolved to %s.", choice.ID, formatValue(entry.Value)), false
	}
	matched := ""
	for _, opt := range choice.Options {
		if strings.EqualFold(opt, strings.TrimSpace(option)) {
			matched = opt
			break
		}
	}
	if matched == "" {
		return fmt.Sprintf("Choice %s takes one of: %s.", choice.ID, strings.Join(choice.Options, ", ")), false
	}
	if reason == "" {
		reason = "choice " + choice.ID
	}
	if msg, ok := e.writeLocked(cs, chat, choice.StateKey, matched, ActorAI, turn, reason); !ok {
		return msg, false
	}
	return fmt.Sprintf("Choice %s resolved: %s.", choice.ID, matched), true
}

// MakeChoice resolves a pending choice by id.
func (e *Engine) MakeChoice(chat, choiceID, option string, turn int, reason string) (string, bool) {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil {
		return "No scenario preset is active.", false
	}
	choice := cs.preset.choiceByID(choiceID)
	if choice == nil {
		return fmt.Sprintf("Unknown choice %q.", choiceID), false
	}
	return e.makeChoiceLocked(cs, chat, choice, option, turn, reason)
}

// PendingChoices lists the unresolved choices for a chat.
func (e *Engine) PendingChoices(chat string) []Choice {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil {
		return nil
	}
	var out []Choice
	for i := range cs.preset.Choices {
		if e.pendingLocked(cs, &cs.preset.Choices[i]) {
			out = append(out, cs.preset.Choices[i])
		}
	}
	return out
}
