package state

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Riddle bookkeeping lives in system keys so answers never appear in state.
func riddleHashKey(id string) string     { return "_riddle_" + id + "_hash" }
func riddleAttemptsKey(id string) string { return "_riddle_" + id + "_attempts" }
func riddleSolvedKey(id string) string   { return "_riddle_" + id + "_solved" }
func riddleLockedKey(id string) string   { return "_riddle_" + id + "_locked" }

// deriveAnswer produces the riddle's plaintext answer deterministically from
// the chat name and riddle id. The digest is stable and non-cryptographic;
// only its SHA-256 is ever stored.
func deriveAnswer(chat string, r *Riddle) string {
	switch r.Type {
	case "fixed":
		return r.Answer
	case "numeric":
		digits := r.Digits
		if digits <= 0 {
			digits = 3
		}
		seed := xxhash.Sum64String(chat + ":" + r.ID)
		var sb strings.Builder
		for i := 0; i < digits; i++ {
			sb.WriteByte(byte('0' + seed%10))
			seed /= 10
			if seed == 0 {
				seed = xxhash.Sum64String(fmt.Sprintf("%s:%s:%d", chat, r.ID, i))
			}
		}
		return sb.String()
	case "word":
		if len(r.Wordlist) == 0 {
			return ""
		}
		seed := xxhash.Sum64String(chat + ":" + r.ID)
		return r.Wordlist[seed%uint64(len(r.Wordlist))]
	}
	return r.Answer
}

func hashAnswer(answer string) string {
	sum := sha256.Sum256([]byte(normalizeAnswer(answer)))
	return hex.EncodeToString(sum[:])
}

func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// seedRiddleLocked stores the answer hash and zeroes the bookkeeping keys.
func (e *Engine) seedRiddleLocked(cs *chatState, chat string, r *Riddle, turn int) error {
	answer := deriveAnswer(chat, r)
	if answer == "" {
		return fmt.Errorf("riddle %q has no derivable answer", r.ID)
	}
	if err := e.setEntryLocked(cs, chat, riddleHashKey(r.ID), hashAnswer(answer), "string", "", nil, turn); err != nil {
		return err
	}
	if err := e.setEntryLocked(cs, chat, riddleAttemptsKey(r.ID), 0, "integer", "", nil, turn); err != nil {
		return err
	}
	if err := e.setEntryLocked(cs, chat, riddleSolvedKey(r.ID), false, "boolean", "", nil, turn); err != nil {
		return err
	}
	return e.setEntryLocked(cs, chat, riddleLockedKey(r.ID), false, "boolean", "", nil, turn)
}

// AttemptRiddle checks an answer against the stored hash. Wrong answers
// count toward max_attempts; exhausting them locks the riddle and applies
// its lockout sets, success applies its success sets.
func (e *Engine) AttemptRiddle(chat, riddleID, answer string, turn int) (string, bool) {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil {
		return "No scenario preset is active.", false
	}
	riddle := cs.preset.riddleByID(riddleID)
	if riddle == nil {
		return fmt.Sprintf("Unknown riddle %q.", riddleID), false
	}

	if entry, ok := cs.entries[riddleSolvedKey(riddleID)]; ok && entry.Value == true {
		return fmt.Sprintf("Riddle %s is already solved.", riddleID), false
	}
	if entry, ok := cs.entries[riddleLockedKey(riddleID)]; ok && entry.Value == true {
		return fmt.Sprintf("Riddle %s is locked: no attempts remain.", riddleID), false
	}
	hashEntry, ok := cs.entries[riddleHashKey(riddleID)]
	if !ok {
		return fmt.Sprintf("Riddle %s was never seeded.", riddleID), false
	}
	storedHash, _ := hashEntry.Value.(string)

	if hashAnswer(answer) == storedHash {
		e.writeLocked(cs, chat, riddleSolvedKey(riddleID), true, ActorSystem, turn, "riddle solved")
		for key, value := range riddle.SuccessSets {
			e.writeLocked(cs, chat, key, value, ActorSystem, turn, "riddle "+riddleID+" solved")
		}
		return fmt.Sprintf("✓ Correct! Riddle %s solved.", riddleID), true
	}

	attempts := 1
	if entry, ok := cs.entries[riddleAttemptsKey(riddleID)]; ok {
		if n, isNum := asFloat(entry.Value); isNum {
			attempts = int(n) + 1
		}
	}
	e.writeLocked(cs, chat, riddleAttemptsKey(riddleID), attempts, ActorSystem, turn, "riddle attempt")

	if riddle.MaxAttempts > 0 {
		remaining := riddle.MaxAttempts - attempts
		if remaining <= 0 {
			// The exhausting attempt still reports its count; the lockout
			// message appears on any attempt after that.
			e.writeLocked(cs, chat, riddleLockedKey(riddleID), true, ActorSystem, turn, "riddle locked")
			for key, value := range riddle.LockoutSets {
				e.writeLocked(cs, chat, key, value, ActorSystem, turn, "riddle "+riddleID+" locked")
			}
			remaining = 0
		}
		return fmt.Sprintf("✗ Incorrect. %d attempts remaining.", remaining), false
	}
	return "✗ Incorrect.", false
}

// UnsolvedRiddles lists the riddles still open for a chat whose
// visible_from_scene gate is satisfied.
func (e *Engine) UnsolvedRiddles(chat string) []Riddle {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.preset == nil {
		return nil
	}
	iterator := e.iteratorValueLocked(cs)
	var out []Riddle
	for i := range cs.preset.Riddles {
		r := cs.preset.Riddles[i]
		if r.VisibleFromScene > 0 && iterator < r.VisibleFromScene {
			continue
		}
		if entry, ok := cs.entries[riddleSolvedKey(r.ID)]; ok && entry.Value == true {
			continue
		}
		out = append(out, r)
	}
	return out
}
