package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// basePromptInstructions is prepended to every assembled scenario prompt.
const basePromptInstructions = "You are running an interactive scenario. " +
	"Track the story through the state tools; never invent state values. " +
	"Use set_state to record changes and get_state to check the current situation."

// segmentKey is one parsed entry of a progressive-prompt segments map:
// "<base>?cond1,cond2" where each condition is "k op v", or bare "k" meaning
// k = true.
type segmentKey struct {
	base       string
	conditions []condition
	text       string
}

type condition struct {
	key   string
	op    string
	value string
}

var conditionOps = []string{">=", "<=", "!=", "=", ">", "<"}

func parseSegmentKey(key, text string) segmentKey {
	base, rest, hasCond := strings.Cut(key, "?")
	seg := segmentKey{base: base, text: text}
	if !hasCond {
		return seg
	}
	for _, clause := range strings.Split(rest, ",") {
		clause = strings.TrimSpace(clause)
		if clause == "" {
			continue
		}
		parsed := condition{key: clause, op: "=", value: "true"}
		for _, op := range conditionOps {
			if idx := strings.Index(clause, op); idx > 0 {
				parsed = condition{
					key:   strings.TrimSpace(clause[:idx]),
					op:    op,
					value: strings.TrimSpace(clause[idx+len(op):]),
				}
				break
			}
		}
		seg.conditions = append(seg.conditions, parsed)
	}
	return seg
}

// evalCondition resolves one clause against the live state. scene_turns is a
// pseudo-variable computed from the scene entry turn.
func (e *Engine) evalConditionLocked(cs *chatState, c condition, turn int) bool {
	var actual any
	if c.key == "scene_turns" {
		actual = e.sceneTurnsLocked(cs, turn)
	} else if entry, ok := cs.entries[c.key]; ok {
		actual = entry.Value
	} else {
		return false
	}

	if actualNum, numeric := asFloat(actual); numeric {
		if wantNum, err := strconv.ParseFloat(c.value, 64); err == nil {
			switch c.op {
			case "=":
				return actualNum == wantNum
			case "!=":
				return actualNum != wantNum
			case ">":
				return actualNum > wantNum
			case "<":
				return actualNum < wantNum
			case ">=":
				return actualNum >= wantNum
			case "<=":
				return actualNum <= wantNum
			}
			return false
		}
	}

	actualStr := formatValue(actual)
	switch c.op {
	case "=":
		return actualStr == c.value
	case "!=":
		return actualStr != c.value
	}
	return false
}

func (e *Engine) segmentMatchesLocked(cs *chatState, seg segmentKey, turn int) bool {
	for _, c := range seg.conditions {
		if !e.evalConditionLocked(cs, c, turn) {
			return false
		}
	}
	return true
}

// BuildPrompt assembles the scenario system prompt for a chat: universal
// instructions, the preset base, the matching progressive segments for the
// current iterator value, then pending choices, open riddles with their
// revealed clues, and the current exits.
func (e *Engine) BuildPrompt(chat string, turn int) string {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil || cs.preset.ProgressivePrompt == nil {
		return ""
	}
	cfg := cs.preset.ProgressivePrompt

	var sections []string
	sections = append(sections, basePromptInstructions)
	if cfg.Base != "" {
		sections = append(sections, cfg.Base)
	}
	sections = append(sections, e.matchingSegmentsLocked(cs, cfg, turn)...)

	if block := e.choicesSectionLocked(cs); block != "" {
		sections = append(sections, block)
	}
	if block := e.riddlesSectionLocked(cs, turn); block != "" {
		sections = append(sections, block)
	}
	if cs.preset.Navigation != nil {
		if current := e.currentRoomLocked(cs, cs.preset.Navigation); current != "" {
			sections = append(sections, fmt.Sprintf("You are in %s. Exits: %s.",
				e.roomName(cs.preset.Navigation, current),
				e.exitListLocked(cs, cs.preset.Navigation, current)))
		}
	}
	return strings.Join(sections, "\n\n")
}

// matchingSegmentsLocked selects segment texts per the preset's mode. For a
// numeric iterator, cumulative mode stacks every base key up to the current
// value; current_only takes just the current one. A string iterator (rooms
// mode) selects the segment keyed by the room.
func (e *Engine) matchingSegmentsLocked(cs *chatState, cfg *PromptConfig, turn int) []string {
	entry, ok := cs.entries[cfg.Iterator]
	if !ok {
		return nil
	}

	parsed := make([]segmentKey, 0, len(cfg.Segments))
	for key, text := range cfg.Segments {
		parsed = append(parsed, parseSegmentKey(key, text))
	}
	// Unconditional segments first per base key, then conditional variants,
	// in a stable order.
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].base != parsed[j].base {
			bi, errI := strconv.ParseFloat(parsed[i].base, 64)
			bj, errJ := strconv.ParseFloat(parsed[j].base, 64)
			if errI == nil && errJ == nil {
				return bi < bj
			}
			return parsed[i].base < parsed[j].base
		}
		return len(parsed[i].conditions) < len(parsed[j].conditions)
	})

	value := entry.Value
	var out []string
	if iteratorNum, numeric := asFloat(value); numeric {
		for _, seg := range parsed {
			baseNum, err := strconv.ParseFloat(seg.base, 64)
			if err != nil {
				continue
			}
			switch cfg.Mode {
			case "current_only":
				if baseNum != iteratorNum {
					continue
				}
			default: // cumulative
				if baseNum > iteratorNum {
					continue
				}
			}
			if e.segmentMatchesLocked(cs, seg, turn) {
				out = append(out, seg.text)
			}
		}
		return out
	}

	room := formatValue(value)
	for _, seg := range parsed {
		if seg.base != room {
			continue
		}
		if e.segmentMatchesLocked(cs, seg, turn) {
			out = append(out, seg.text)
		}
	}
	return out
}

func (e *Engine) choicesSectionLocked(cs *chatState) string {
	var lines []string
	for i := range cs.preset.Choices {
		choice := &cs.preset.Choices[i]
		if !e.pendingLocked(cs, choice) {
			continue
		}
		lines = append(lines, fmt.Sprintf("- %s (%s): %s [options: %s]",
			choice.ID, choice.StateKey, choice.Prompt, strings.Join(choice.Options, ", ")))
	}
	if len(lines) == 0 {
		return ""
	}
	return "Pending choices, resolve with make_choice:\n" + strings.Join(lines, "\n")
}

func (e *Engine) riddlesSectionLocked(cs *chatState, turn int) string {
	iterator := e.iteratorValueLocked(cs)
	var lines []string
	for i := range cs.preset.Riddles {
		r := &cs.preset.Riddles[i]
		if r.VisibleFromScene > 0 && iterator < r.VisibleFromScene {
			continue
		}
		if entry, ok := cs.entries[riddleSolvedKey(r.ID)]; ok && entry.Value == true {
			continue
		}
		line := "- " + r.ID
		if entry, ok := cs.entries[riddleLockedKey(r.ID)]; ok && entry.Value == true {
			lines = append(lines, line+" (locked)")
			continue
		}
		var clues []string
		for cond, clue := range r.Clues {
			if cond == "" {
				clues = append(clues, clue)
				continue
			}
			seg := parseSegmentKey("?"+cond, clue)
			if e.segmentMatchesLocked(cs, seg, turn) {
				clues = append(clues, clue)
			}
		}
		sort.Strings(clues)
		if len(clues) > 0 {
			line += ": " + strings.Join(clues, " ")
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return "Unsolved riddles, answered with attempt_riddle:\n" + strings.Join(lines, "\n")
}

// StateSummary renders the visible state as a compact block for injection
// into the system prompt when state_vars_in_prompt is enabled.
func (e *Engine) StateSummary(chat string, turn int) string {
	visible := e.VisibleState(chat, turn)
	if len(visible) == 0 {
		return ""
	}
	keys := make([]string, 0, len(visible))
	for key := range visible {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteString("Current state:\n")
	for _, key := range keys {
		fmt.Fprintf(&sb, "- %s = %s\n", key, formatValue(visible[key]))
	}
	return strings.TrimRight(sb.String(), "\n")
}
