package state

import (
	"fmt"
	"sort"
	"strings"
)

// directionAliases maps compass and positional shorthand onto canonical
// direction names.
var directionAliases = map[string]string{
	"n": "north", "s": "south", "e": "east", "w": "west",
	"ne": "northeast", "nw": "northwest", "se": "southeast", "sw": "southwest",
	"u": "up", "d": "down",
	"in": "in", "out": "out",
}

func canonicalDirection(dir string) string {
	dir = strings.ToLower(strings.TrimSpace(dir))
	if full, ok := directionAliases[dir]; ok {
		return full
	}
	return dir
}

// Move walks the position key one step along the room graph. Unknown
// directions fail with the current exits; the destination write goes through
// the ordinary validation path so blockers on the position key apply.
func (e *Engine) Move(chat, direction string, turn int, reason string) (string, bool) {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil || cs.preset.Navigation == nil {
		return "Navigation is not available in this scenario.", false
	}
	nav := cs.preset.Navigation

	current := e.currentRoomLocked(cs, nav)
	if current == "" {
		return "Current position is unknown.", false
	}
	exits := nav.Connections[current]
	if len(exits) == 0 {
		return "There are no exits from here.", false
	}

	dir := canonicalDirection(direction)
	dest, ok := exits[dir]
	if !ok {
		return fmt.Sprintf("You can't go %s. Exits: %s.", direction, e.exitListLocked(cs, nav, current)), false
	}

	if reason == "" {
		reason = "move " + dir
	}
	msg, ok := e.setLocked(cs, chat, nav.PositionKey, dest, ActorAI, turn, reason, false)
	if !ok {
		return msg, false
	}
	e.markVisitedLocked(cs, chat, dest, turn)
	return fmt.Sprintf("Moved %s to %s. Exits: %s.", dir, e.roomName(nav, dest), e.exitListLocked(cs, nav, dest)), true
}

// Exits describes the exits from the current room with fog-of-war applied.
func (e *Engine) Exits(chat string) (string, bool) {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil || cs.preset.Navigation == nil {
		return "", false
	}
	nav := cs.preset.Navigation
	current := e.currentRoomLocked(cs, nav)
	if current == "" {
		return "", false
	}
	return e.exitListLocked(cs, nav, current), true
}

func (e *Engine) currentRoomLocked(cs *chatState, nav *Navigation) string {
	entry, ok := cs.entries[nav.PositionKey]
	if !ok {
		return ""
	}
	room, _ := entry.Value.(string)
	return room
}

// exitListLocked renders "direction → room" pairs, masking unvisited
// destinations as ???.
func (e *Engine) exitListLocked(cs *chatState, nav *Navigation, room string) string {
	exits := nav.Connections[room]
	if len(exits) == 0 {
		return "none"
	}
	visited := e.visitedRoomsLocked(cs)
	dirs := make([]string, 0, len(exits))
	for dir := range exits {
		dirs = append(dirs, dir)
	}
	sort.Strings(dirs)
	parts := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dest := exits[dir]
		name := "???"
		if visited[dest] {
			name = e.roomName(nav, dest)
		}
		parts = append(parts, dir+" → "+name)
	}
	return strings.Join(parts, ", ")
}

func (e *Engine) roomName(nav *Navigation, room string) string {
	if name, ok := nav.RoomNames[room]; ok {
		return name
	}
	return room
}

func (e *Engine) visitedRoomsLocked(cs *chatState) map[string]bool {
	out := map[string]bool{}
	entry, ok := cs.entries[KeyVisitedRooms]
	if !ok {
		return out
	}
	list, ok := entry.Value.([]any)
	if !ok {
		return out
	}
	for _, v := range list {
		if room, ok := v.(string); ok {
			out[room] = true
		}
	}
	return out
}

func (e *Engine) markVisitedLocked(cs *chatState, chat, room string, turn int) {
	visited := e.visitedRoomsLocked(cs)
	if visited[room] {
		return
	}
	var list []any
	if entry, ok := cs.entries[KeyVisitedRooms]; ok {
		if existing, ok := entry.Value.([]any); ok {
			list = append(list, existing...)
		}
	}
	list = append(list, room)
	e.writeLocked(cs, chat, KeyVisitedRooms, list, ActorSystem, turn, "visited "+room)
}
