// Package state implements the typed, logged, per-chat state engine backing
// interactive scenarios: constrained writes, progressive prompt assembly,
// choices, riddles, navigation and turn-based rollback.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Actor identifies who performed a state write.
type Actor string

const (
	ActorAI       Actor = "ai"
	ActorSystem   Actor = "system"
	ActorUserEdit Actor = "user-edit"
)

// System keys carry the reserved underscore prefix; the AI may never write
// them directly.
const (
	KeyPreset         = "_preset"
	KeySceneEnteredAt = "_scene_entered_at"
	KeyVisitedRooms   = "_visited_rooms"
	KeyLastRoll       = "_last_roll"
)

// IsSystemKey reports whether key is reserved for engine-managed writes.
func IsSystemKey(key string) bool {
	return strings.HasPrefix(key, "_")
}

// Blocker is a gating rule on a state transition. Target narrows the rule to
// destination values, From to origin values; Requires maps other keys to the
// values they must hold for the transition to proceed.
type Blocker struct {
	Target   []any          `json:"target,omitempty"`
	From     []any          `json:"from,omitempty"`
	Requires map[string]any `json:"requires,omitempty"`
	Message  string         `json:"message,omitempty"`
}

// Constraints is the recognized constraint set for a state key.
type Constraints struct {
	Min         *float64  `json:"min,omitempty"`
	Max         *float64  `json:"max,omitempty"`
	Adjacent    *float64  `json:"adjacent,omitempty"`
	Options     []any     `json:"options,omitempty"`
	VisibleFrom *float64  `json:"visible_from,omitempty"`
	ReadOnly    bool      `json:"readonly,omitempty"`
	Blockers    []Blocker `json:"blockers,omitempty"`
	Type        string    `json:"type,omitempty"`
}

// Entry is one live state key for a chat.
type Entry struct {
	Key         string       `json:"key"`
	Value       any          `json:"value"`
	ValueType   string       `json:"value_type"`
	Label       string       `json:"label,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	UpdatedBy   Actor        `json:"updated_by"`
	TurnNumber  int          `json:"turn_number"`
}

// LogRow is one append-only history row.
type LogRow struct {
	ID         int64  `json:"id"`
	ChatName   string `json:"chat_name"`
	Key        string `json:"key"`
	OldValue   any    `json:"old_value"`
	NewValue   any    `json:"new_value"`
	ChangedBy  Actor  `json:"changed_by"`
	TurnNumber int    `json:"turn_number"`
	Timestamp  string `json:"timestamp"`
	Reason     string `json:"reason,omitempty"`
}

// chatState is the in-memory cache for one chat, loaded lazily and kept
// consistent with state_current under the chat lock.
type chatState struct {
	mu      sync.Mutex
	loaded  bool
	entries map[string]*Entry
	preset  *Preset
}

// Engine owns the state database and the per-chat caches.
type Engine struct {
	db      *sql.DB
	logger  *slog.Logger
	now     func() time.Time
	intn    func(n int) int
	presets map[string]*Preset

	mu    sync.Mutex
	chats map[string]*chatState
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With("component", "state") }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithRandInt overrides the dice source, for tests. intn(n) must return a
// value in [0, n).
func WithRandInt(intn func(n int) int) Option {
	return func(e *Engine) { e.intn = intn }
}

const schema = `
CREATE TABLE IF NOT EXISTS state_current (
	chat_name   TEXT NOT NULL,
	key         TEXT NOT NULL,
	value       TEXT NOT NULL,
	value_type  TEXT NOT NULL,
	label       TEXT NOT NULL DEFAULT '',
	constraints TEXT NOT NULL DEFAULT '',
	updated_at  TEXT NOT NULL,
	updated_by  TEXT NOT NULL,
	turn_number INTEGER NOT NULL,
	PRIMARY KEY (chat_name, key)
);
CREATE TABLE IF NOT EXISTS state_log (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_name   TEXT NOT NULL,
	key         TEXT NOT NULL,
	old_value   TEXT,
	new_value   TEXT NOT NULL,
	changed_by  TEXT NOT NULL,
	turn_number INTEGER NOT NULL,
	timestamp   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_state_log_chat ON state_log(chat_name, turn_number);
`

// NewEngine opens (or creates) the state database at dbPath.
func NewEngine(dbPath string, opts ...Option) (*Engine, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create state schema: %w", err)
	}
	e := &Engine{
		db:      db,
		logger:  slog.Default().With("component", "state"),
		now:     time.Now,
		intn:    rand.Intn,
		presets: map[string]*Preset{},
		chats:   map[string]*chatState{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Close releases the database.
func (e *Engine) Close() error {
	return e.db.Close()
}

// chat returns the cache for a chat, loading it from state_current on first
// access.
func (e *Engine) chat(name string) *chatState {
	e.mu.Lock()
	cs, ok := e.chats[name]
	if !ok {
		cs = &chatState{entries: map[string]*Entry{}}
		e.chats[name] = cs
	}
	e.mu.Unlock()

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.loaded {
		if err := e.loadLocked(name, cs); err != nil {
			e.logger.Error("load chat state failed", "chat", name, "error", err)
		}
	}
	return cs
}

func (e *Engine) loadLocked(name string, cs *chatState) error {
	rows, err := e.db.Query(`SELECT key, value, value_type, label, constraints, updated_by, turn_number
		FROM state_current WHERE chat_name = ?`, name)
	if err != nil {
		return err
	}
	defer rows.Close()
	entries := map[string]*Entry{}
	for rows.Next() {
		var entry Entry
		var rawValue, rawConstraints string
		var updatedBy string
		if err := rows.Scan(&entry.Key, &rawValue, &entry.ValueType, &entry.Label,
			&rawConstraints, &updatedBy, &entry.TurnNumber); err != nil {
			return err
		}
		entry.Value = decodeValue(rawValue)
		entry.UpdatedBy = Actor(updatedBy)
		if rawConstraints != "" {
			var c Constraints
			if err := json.Unmarshal([]byte(rawConstraints), &c); err == nil {
				entry.Constraints = &c
			}
		}
		entries[entry.Key] = &entry
	}
	if err := rows.Err(); err != nil {
		return err
	}
	cs.entries = entries
	cs.loaded = true

	// Re-bind the preset recorded by a previous session.
	if preset, ok := entries[KeyPreset]; ok {
		if name, ok := preset.Value.(string); ok {
			e.mu.Lock()
			cs.preset = e.presets[name]
			e.mu.Unlock()
		}
	}
	return nil
}

// ReloadFromDB drops a chat's cache so the next read hits storage. External
// mutators (preset reload, rollback) call this.
func (e *Engine) ReloadFromDB(chat string) {
	e.mu.Lock()
	cs, ok := e.chats[chat]
	e.mu.Unlock()
	if !ok {
		return
	}
	cs.mu.Lock()
	cs.loaded = false
	cs.entries = map[string]*Entry{}
	cs.mu.Unlock()
}

// GetState returns the value for a key, or false if unset.
func (e *Engine) GetState(chat, key string) (any, bool) {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	entry, ok := cs.entries[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// SetState performs a validated write. The returned message is user (or
// model) facing; ok is false when validation refused the write.
func (e *Engine) SetState(chat, key string, value any, by Actor, turn int, reason string) (string, bool) {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return e.setLocked(cs, chat, key, value, by, turn, reason, true)
}

// setLocked runs the full validation pipeline. hooks controls whether choice
// and riddle delegation fires; hook-initiated writes pass false to avoid
// re-entry.
func (e *Engine) setLocked(cs *chatState, chat, key string, value any, by Actor, turn int, reason string, hooks bool) (string, bool) {
	if by == ActorAI && IsSystemKey(key) {
		return fmt.Sprintf("State key %q is system-managed and cannot be set.", key), false
	}

	entry, exists := cs.entries[key]

	var constraints *Constraints
	if exists {
		constraints = entry.Constraints
	}
	if constraints != nil && by == ActorAI {
		if constraints.ReadOnly {
			return fmt.Sprintf("State key %q is read-only.", key), false
		}
		if msg, ok := e.checkConstraintsLocked(cs, key, entry, constraints, value); !ok {
			return msg, false
		}
	}

	// Iterator writes are additionally gated by pending required choices.
	if hooks && cs.preset != nil && cs.preset.iteratorKey() == key {
		if msg, ok := e.checkPendingChoicesLocked(cs, value); !ok {
			return msg, false
		}
	}

	if hooks && cs.preset != nil {
		if choice := cs.preset.choiceByStateKey(key); choice != nil && by == ActorAI {
			return e.resolveChoiceLocked(cs, chat, choice, value, turn, reason)
		}
		if constraints != nil && constraints.Type == "riddle_answer" && by == ActorAI {
			return "Riddle answers are checked with the attempt_riddle tool.", false
		}
	}

	msg, ok := e.writeLocked(cs, chat, key, value, by, turn, reason)
	if !ok {
		return msg, false
	}

	// Track scene entry whenever the progressive-prompt iterator changes.
	if cs.preset != nil && cs.preset.iteratorKey() == key {
		prev, had := previousValue(entry, exists)
		if !had || !valuesEqual(prev, value) {
			e.writeLocked(cs, chat, KeySceneEnteredAt, turn, ActorSystem, turn, "scene change")
		}
	}

	if !exists {
		visible := e.visibleKeysLocked(cs)
		if len(visible) > 0 {
			return fmt.Sprintf("Created new state key %q. If that was a typo, the existing keys are: %s.",
				key, strings.Join(visible, ", ")), true
		}
		return fmt.Sprintf("Created new state key %q.", key), true
	}
	return msg, true
}

func previousValue(entry *Entry, exists bool) (any, bool) {
	if !exists || entry == nil {
		return nil, false
	}
	return entry.Value, true
}

// checkConstraintsLocked applies min/max, adjacent, options and blockers in
// order.
func (e *Engine) checkConstraintsLocked(cs *chatState, key string, entry *Entry, c *Constraints, value any) (string, bool) {
	if c.Min != nil || c.Max != nil || c.Adjacent != nil {
		n, numeric := asFloat(value)
		if numeric {
			if c.Min != nil && n < *c.Min {
				return fmt.Sprintf("%s must be at least %s.", key, formatNumber(*c.Min)), false
			}
			if c.Max != nil && n > *c.Max {
				return fmt.Sprintf("%s must be at most %s.", key, formatNumber(*c.Max)), false
			}
			if c.Adjacent != nil && entry != nil {
				if cur, ok := asFloat(entry.Value); ok {
					diff := n - cur
					if diff < 0 {
						diff = -diff
					}
					if diff > *c.Adjacent {
						return fmt.Sprintf("%s can change by at most %s per step (currently %s).",
							key, formatNumber(*c.Adjacent), formatValue(entry.Value)), false
					}
				}
			}
		} else if c.Min != nil || c.Max != nil {
			return fmt.Sprintf("%s must be a number.", key), false
		}
	}

	if len(c.Options) > 0 {
		found := false
		for _, opt := range c.Options {
			if valuesEqual(opt, value) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("%s must be one of: %s.", key, formatValues(c.Options)), false
		}
	}

	var current any
	if entry != nil {
		current = entry.Value
	}
	for _, blocker := range c.Blockers {
		if !matchesTransition(blocker, current, value) {
			continue
		}
		for requiredKey, requiredValue := range blocker.Requires {
			actual, ok := cs.entries[requiredKey]
			if !ok || !valuesEqual(actual.Value, requiredValue) {
				msg := blocker.Message
				if msg == "" {
					msg = fmt.Sprintf("%s requires %s = %s first.", key, requiredKey, formatValue(requiredValue))
				}
				return msg, false
			}
		}
	}
	return "", true
}

func matchesTransition(b Blocker, current, next any) bool {
	if len(b.Target) > 0 && !containsValue(b.Target, next) {
		return false
	}
	if len(b.From) > 0 && !containsValue(b.From, current) {
		return false
	}
	return true
}

// writeLocked is the raw persistence path: log append, current upsert, cache
// update, all in one transaction.
func (e *Engine) writeLocked(cs *chatState, chat, key string, value any, by Actor, turn int, reason string) (string, bool) {
	entry, exists := cs.entries[key]

	var oldEncoded any
	if exists {
		oldEncoded = encodeValue(entry.Value)
	}
	newEncoded := encodeValue(value)
	now := e.now().UTC().Format("2006-01-02 15:04:05.000000")

	valueType := inferType(value)
	label := ""
	var constraints *Constraints
	if exists {
		valueType = entry.ValueType
		label = entry.Label
		constraints = entry.Constraints
	}
	constraintsJSON := ""
	if constraints != nil {
		if raw, err := json.Marshal(constraints); err == nil {
			constraintsJSON = string(raw)
		}
	}

	tx, err := e.db.Begin()
	if err != nil {
		e.logger.Error("state write failed", "chat", chat, "key", key, "error", err)
		return "state storage error: " + err.Error(), false
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO state_log
		(chat_name, key, old_value, new_value, changed_by, turn_number, timestamp, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chat, key, oldEncoded, newEncoded, string(by), turn, now, reason); err != nil {
		e.logger.Error("state log append failed", "chat", chat, "key", key, "error", err)
		return "state storage error: " + err.Error(), false
	}
	if _, err := tx.Exec(`INSERT INTO state_current
		(chat_name, key, value, value_type, label, constraints, updated_at, updated_by, turn_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_name, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by,
			turn_number = excluded.turn_number`,
		chat, key, newEncoded, valueType, label, constraintsJSON, now, string(by), turn); err != nil {
		e.logger.Error("state upsert failed", "chat", chat, "key", key, "error", err)
		return "state storage error: " + err.Error(), false
	}
	if err := tx.Commit(); err != nil {
		e.logger.Error("state commit failed", "chat", chat, "key", key, "error", err)
		return "state storage error: " + err.Error(), false
	}

	if exists {
		entry.Value = value
		entry.UpdatedBy = by
		entry.TurnNumber = turn
	} else {
		cs.entries[key] = &Entry{
			Key:        key,
			Value:      value,
			ValueType:  valueType,
			UpdatedBy:  by,
			TurnNumber: turn,
		}
	}
	return fmt.Sprintf("%s is now %s.", key, formatValue(value)), true
}

// setEntryLocked installs a fully-specified entry (label and constraints
// included), used by preset loading.
func (e *Engine) setEntryLocked(cs *chatState, chat, key string, value any, valueType, label string, c *Constraints, turn int) error {
	if valueType == "" {
		valueType = inferType(value)
	}
	encoded := encodeValue(value)
	now := e.now().UTC().Format("2006-01-02 15:04:05.000000")
	constraintsJSON := ""
	if c != nil {
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode constraints for %q: %w", key, err)
		}
		constraintsJSON = string(raw)
	}

	tx, err := e.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO state_log
		(chat_name, key, old_value, new_value, changed_by, turn_number, timestamp, reason)
		VALUES (?, ?, NULL, ?, ?, ?, ?, ?)`,
		chat, key, encoded, string(ActorSystem), turn, now, "preset load"); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO state_current
		(chat_name, key, value, value_type, label, constraints, updated_at, updated_by, turn_number)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_name, key) DO UPDATE SET
			value = excluded.value,
			value_type = excluded.value_type,
			label = excluded.label,
			constraints = excluded.constraints,
			updated_at = excluded.updated_at,
			updated_by = excluded.updated_by,
			turn_number = excluded.turn_number`,
		chat, key, encoded, valueType, label, constraintsJSON, now, string(ActorSystem), turn); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	cs.entries[key] = &Entry{
		Key:         key,
		Value:       value,
		ValueType:   valueType,
		Label:       label,
		Constraints: c,
		UpdatedBy:   ActorSystem,
		TurnNumber:  turn,
	}
	return nil
}

// VisibleState returns the non-system entries whose visible_from gate is
// satisfied by the current iterator value, plus the synthesized scene_turns
// pseudo-key.
func (e *Engine) VisibleState(chat string, turn int) map[string]any {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := map[string]any{}
	iterator := e.iteratorValueLocked(cs)
	for key, entry := range cs.entries {
		if IsSystemKey(key) {
			continue
		}
		if entry.Constraints != nil && entry.Constraints.VisibleFrom != nil {
			if iterator < *entry.Constraints.VisibleFrom {
				continue
			}
		}
		out[key] = entry.Value
	}
	out["scene_turns"] = e.sceneTurnsLocked(cs, turn)
	return out
}

// Entries returns a snapshot of every entry for a chat, system keys included.
func (e *Engine) Entries(chat string) []Entry {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]Entry, 0, len(cs.entries))
	for _, entry := range cs.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Log returns the full history for a chat in insertion order.
func (e *Engine) Log(chat string) ([]LogRow, error) {
	rows, err := e.db.Query(`SELECT id, chat_name, key, old_value, new_value, changed_by, turn_number, timestamp, reason
		FROM state_log WHERE chat_name = ? ORDER BY id`, chat)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogRow
	for rows.Next() {
		var row LogRow
		var oldValue sql.NullString
		var newValue, changedBy string
		if err := rows.Scan(&row.ID, &row.ChatName, &row.Key, &oldValue, &newValue,
			&changedBy, &row.TurnNumber, &row.Timestamp, &row.Reason); err != nil {
			return nil, err
		}
		if oldValue.Valid {
			row.OldValue = decodeValue(oldValue.String)
		}
		row.NewValue = decodeValue(newValue)
		row.ChangedBy = Actor(changedBy)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RollbackToTurn truncates the log to rows with turn_number <= turn and
// rebuilds state_current by replaying what remains. Labels and constraints
// survive for keys that still exist after the replay.
func (e *Engine) RollbackToTurn(chat string, turn int) error {
	cs := e.chat(chat)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Remember the metadata so the replay can restore it.
	meta := map[string]*Entry{}
	for key, entry := range cs.entries {
		meta[key] = entry
	}

	tx, err := e.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM state_log WHERE chat_name = ? AND turn_number > ?`, chat, turn); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM state_current WHERE chat_name = ?`, chat); err != nil {
		return err
	}

	rows, err := tx.Query(`SELECT key, new_value, changed_by, turn_number, timestamp
		FROM state_log WHERE chat_name = ? ORDER BY id`, chat)
	if err != nil {
		return err
	}
	type replayed struct {
		value     string
		changedBy string
		turn      int
		updatedAt string
	}
	final := map[string]replayed{}
	var order []string
	for rows.Next() {
		var key, value, changedBy, updatedAt string
		var turnNumber int
		if err := rows.Scan(&key, &value, &changedBy, &turnNumber, &updatedAt); err != nil {
			rows.Close()
			return err
		}
		if _, seen := final[key]; !seen {
			order = append(order, key)
		}
		final[key] = replayed{value: value, changedBy: changedBy, turn: turnNumber, updatedAt: updatedAt}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, key := range order {
		r := final[key]
		valueType := inferType(decodeValue(r.value))
		label := ""
		constraintsJSON := ""
		if old, ok := meta[key]; ok {
			valueType = old.ValueType
			label = old.Label
			if old.Constraints != nil {
				if raw, err := json.Marshal(old.Constraints); err == nil {
					constraintsJSON = string(raw)
				}
			}
		}
		if _, err := tx.Exec(`INSERT INTO state_current
			(chat_name, key, value, value_type, label, constraints, updated_at, updated_by, turn_number)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			chat, key, r.value, valueType, label, constraintsJSON, r.updatedAt, r.changedBy, r.turn); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	cs.loaded = false
	cs.entries = map[string]*Entry{}
	return e.loadLocked(chat, cs)
}

// iteratorValueLocked returns the numeric value of the progressive-prompt
// iterator, or 0 when absent or non-numeric.
func (e *Engine) iteratorValueLocked(cs *chatState) float64 {
	if cs.preset == nil {
		return 0
	}
	entry, ok := cs.entries[cs.preset.iteratorKey()]
	if !ok {
		return 0
	}
	n, _ := asFloat(entry.Value)
	return n
}

func (e *Engine) sceneTurnsLocked(cs *chatState, turn int) int {
	entry, ok := cs.entries[KeySceneEnteredAt]
	if !ok {
		return turn
	}
	entered, _ := asFloat(entry.Value)
	n := turn - int(entered)
	if n < 0 {
		n = 0
	}
	return n
}

func (e *Engine) visibleKeysLocked(cs *chatState) []string {
	iterator := e.iteratorValueLocked(cs)
	var keys []string
	for key, entry := range cs.entries {
		if IsSystemKey(key) {
			continue
		}
		if entry.Constraints != nil && entry.Constraints.VisibleFrom != nil && iterator < *entry.Constraints.VisibleFrom {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
