// Package sessions manages per-chat message history and settings, persisted
// as one JSON file per chat with atomic replace-on-write semantics.
package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sapphirehost/sapphire/pkg/models"
)

// TimestampLayout is the message identity timestamp format. Within a chat,
// timestamps are unique and strictly increasing in insertion order.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// ErrChatExists indicates a create collision.
var ErrChatExists = errors.New("chat already exists")

// ErrChatNotFound indicates an unknown chat name.
var ErrChatNotFound = errors.New("chat not found")

// ErrMessageNotFound indicates that no message matched a (role, timestamp)
// or content lookup.
var ErrMessageNotFound = errors.New("message not found")

// Manager owns the chat files under a directory and the in-memory view of
// the active chat. All operations are serialized by a single mutex.
type Manager struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	active   string
	settings models.ChatSettings
	messages []models.Message
	lastTS   string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger.With("component", "sessions") }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a manager rooted at dir, ensuring the default chat
// exists and activating it.
func NewManager(dir string, opts ...Option) (*Manager, error) {
	m := &Manager{
		dir:    dir,
		logger: slog.Default().With("component", "sessions"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chats dir: %w", err)
	}
	if !m.chatExists(models.DefaultChatName) {
		if err := m.writeChat(models.DefaultChatName, models.ChatFile{
			Settings: models.DefaultChatSettings(),
			Messages: []models.Message{},
		}); err != nil {
			return nil, err
		}
	}
	if err := m.loadChat(models.DefaultChatName); err != nil {
		return nil, err
	}
	return m, nil
}

// SanitizeName lowercases a chat name and strips everything outside
// [a-z0-9_], mapping spaces and dashes to underscores first.
func SanitizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		case r == ' ' || r == '-':
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// ListChats returns the names of all chat files, sorted, with the default
// chat always first.
func (m *Manager) ListChats() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i] == models.DefaultChatName {
			return true
		}
		if names[j] == models.DefaultChatName {
			return false
		}
		return names[i] < names[j]
	})
	return names, nil
}

// CreateChat creates a new empty chat with default settings. The name is
// sanitized; a collision with an existing chat fails.
func (m *Manager) CreateChat(name string) (string, error) {
	name = SanitizeName(name)
	if name == "" {
		return "", errors.New("chat name is empty after sanitizing")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.chatExists(name) {
		return "", fmt.Errorf("chat %q: %w", name, ErrChatExists)
	}
	if err := m.writeChat(name, models.ChatFile{
		Settings: models.DefaultChatSettings(),
		Messages: []models.Message{},
	}); err != nil {
		return "", err
	}
	return name, nil
}

// DeleteChat removes a chat file. The default chat cannot be deleted; if the
// active chat is deleted the manager switches back to default.
func (m *Manager) DeleteChat(name string) error {
	name = SanitizeName(name)
	if name == models.DefaultChatName {
		return errors.New("the default chat cannot be deleted")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.chatExists(name) {
		return fmt.Errorf("chat %q: %w", name, ErrChatNotFound)
	}
	if err := os.Remove(m.chatPath(name)); err != nil {
		return err
	}
	if m.active == name {
		return m.loadChat(models.DefaultChatName)
	}
	return nil
}

// SetActiveChat switches the active chat, loading its messages and settings
// from disk.
func (m *Manager) SetActiveChat(name string) error {
	name = SanitizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.chatExists(name) {
		return fmt.Errorf("chat %q: %w", name, ErrChatNotFound)
	}
	return m.loadChat(name)
}

// ChatExists reports whether a chat file exists for the sanitized name.
func (m *Manager) ChatExists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chatExists(SanitizeName(name))
}

// ActiveChat returns the name of the active chat.
func (m *Manager) ActiveChat() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Messages returns a copy of the active chat's message list.
func (m *Manager) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Message(nil), m.messages...)
}

// Settings returns the active chat's settings.
func (m *Manager) Settings() models.ChatSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateChatSettings shallow-merges a JSON delta into the active chat's
// settings and persists. Keys absent from the delta are untouched.
func (m *Manager) UpdateChatSettings(delta json.RawMessage) (models.ChatSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := m.settings
	if err := json.Unmarshal(delta, &merged); err != nil {
		return m.settings, fmt.Errorf("parse settings delta: %w", err)
	}
	m.settings = merged
	if err := m.persistLocked(); err != nil {
		return m.settings, err
	}
	return m.settings, nil
}

// ChatSettings returns the settings of any chat by name.
func (m *Manager) ChatSettings(name string) (models.ChatSettings, error) {
	name = SanitizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.active {
		return m.settings, nil
	}
	file, err := m.readChatLocked(name)
	if err != nil {
		return models.ChatSettings{}, err
	}
	return file.Settings, nil
}

// UpdateNamedChatSettings shallow-merges a JSON delta into any chat's
// settings. For the active chat this is UpdateChatSettings.
func (m *Manager) UpdateNamedChatSettings(name string, delta json.RawMessage) (models.ChatSettings, error) {
	name = SanitizeName(name)
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.active {
		merged := m.settings
		if err := json.Unmarshal(delta, &merged); err != nil {
			return m.settings, fmt.Errorf("parse settings delta: %w", err)
		}
		m.settings = merged
		return m.settings, m.persistLocked()
	}

	file, err := m.readChatLocked(name)
	if err != nil {
		return models.ChatSettings{}, err
	}
	merged := file.Settings
	if err := json.Unmarshal(delta, &merged); err != nil {
		return models.ChatSettings{}, fmt.Errorf("parse settings delta: %w", err)
	}
	file.Settings = merged
	return merged, m.writeChat(name, file)
}

// readChatLocked loads a chat file without touching the active view.
func (m *Manager) readChatLocked(name string) (models.ChatFile, error) {
	raw, err := os.ReadFile(m.chatPath(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return models.ChatFile{}, fmt.Errorf("%w: %s", ErrChatNotFound, name)
		}
		return models.ChatFile{}, fmt.Errorf("read chat %q: %w", name, err)
	}
	var file models.ChatFile
	if err := json.Unmarshal(raw, &file); err != nil {
		var legacy []models.Message
		if legacyErr := json.Unmarshal(raw, &legacy); legacyErr != nil {
			return models.ChatFile{}, fmt.Errorf("parse chat %q: %w", name, err)
		}
		file = models.ChatFile{Settings: models.DefaultChatSettings(), Messages: legacy}
	}
	if file.Messages == nil {
		file.Messages = []models.Message{}
	}
	return file, nil
}

// SetSettings replaces the active chat's settings wholesale and persists.
func (m *Manager) SetSettings(settings models.ChatSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return m.persistLocked()
}

// AppendMessage stamps the message with the next monotonic timestamp,
// appends it to the active chat and persists. The stored message is
// returned.
func (m *Manager) AppendMessage(msg models.Message) (models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Timestamp = m.nextTimestampLocked()
	m.messages = append(m.messages, msg)
	if err := m.persistLocked(); err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// ClearMessages empties the active chat's history, keeping its settings.
func (m *Manager) ClearMessages() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = []models.Message{}
	m.lastTS = ""
	return m.persistLocked()
}

// EditMessageByTimestamp replaces the content of the unique message matching
// (role, timestamp).
func (m *Manager) EditMessageByTimestamp(role models.Role, ts, newContent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].Role == role && m.messages[i].Timestamp == ts {
			m.messages[i].Content = newContent
			return m.persistLocked()
		}
	}
	return fmt.Errorf("%s message at %s: %w", role, ts, ErrMessageNotFound)
}

// RemoveLastMessages drops the last n messages from the tail.
func (m *Manager) RemoveLastMessages(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 {
		return nil
	}
	if n > len(m.messages) {
		n = len(m.messages)
	}
	m.messages = m.messages[:len(m.messages)-n]
	return m.persistLocked()
}

// RemoveFromUserMessage finds the most recent user message whose content
// matches text and removes it and everything after it.
func (m *Manager) RemoveFromUserMessage(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.messages) - 1; i >= 0; i-- {
		if m.messages[i].Role == models.RoleUser && m.messages[i].Content == text {
			m.messages = m.messages[:i]
			return m.persistLocked()
		}
	}
	return fmt.Errorf("user message %q: %w", text, ErrMessageNotFound)
}

// RemoveFromAssistantTimestamp removes the assistant message with the given
// timestamp and every later assistant or tool message, leaving user messages
// in place.
func (m *Manager) RemoveFromAssistantTimestamp(ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := -1
	for i := range m.messages {
		if m.messages[i].Role == models.RoleAssistant && m.messages[i].Timestamp == ts {
			start = i
			break
		}
	}
	if start < 0 {
		return fmt.Errorf("assistant message at %s: %w", ts, ErrMessageNotFound)
	}
	kept := m.messages[:start:start]
	for _, msg := range m.messages[start:] {
		if msg.Role == models.RoleUser {
			kept = append(kept, msg)
		}
	}
	m.messages = kept
	return m.persistLocked()
}

// RemoveLastAssistantInTurn removes the assistant message with the given
// timestamp and the rest of its turn: every following assistant or tool
// message up to (not including) the next user message.
func (m *Manager) RemoveLastAssistantInTurn(ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := -1
	for i := range m.messages {
		if m.messages[i].Role == models.RoleAssistant && m.messages[i].Timestamp == ts {
			start = i
			break
		}
	}
	if start < 0 {
		return fmt.Errorf("assistant message at %s: %w", ts, ErrMessageNotFound)
	}
	end := len(m.messages)
	for i := start + 1; i < len(m.messages); i++ {
		if m.messages[i].Role == models.RoleUser {
			end = i
			break
		}
	}
	m.messages = append(m.messages[:start:start], m.messages[end:]...)
	return m.persistLocked()
}

// TurnNumber is the count of user messages in the active chat, the turn
// counter the state engine stamps onto writes.
func (m *Manager) TurnNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.messages {
		if msg.Role == models.RoleUser {
			n++
		}
	}
	return n
}

// nextTimestampLocked formats now and bumps by one microsecond on collision
// so insertion order is recoverable from timestamps alone.
func (m *Manager) nextTimestampLocked() string {
	ts := m.now().Format(TimestampLayout)
	if m.lastTS != "" && ts <= m.lastTS {
		if prev, err := time.Parse(TimestampLayout, m.lastTS); err == nil {
			ts = prev.Add(time.Microsecond).Format(TimestampLayout)
		}
	}
	m.lastTS = ts
	return ts
}

func (m *Manager) chatPath(name string) string {
	return filepath.Join(m.dir, name+".json")
}

func (m *Manager) chatExists(name string) bool {
	_, err := os.Stat(m.chatPath(name))
	return err == nil
}

// loadChat reads a chat file into the in-memory view. Legacy files holding a
// bare message array load with default settings.
func (m *Manager) loadChat(name string) error {
	raw, err := os.ReadFile(m.chatPath(name))
	if err != nil {
		return fmt.Errorf("read chat %q: %w", name, err)
	}
	var file models.ChatFile
	if err := json.Unmarshal(raw, &file); err != nil {
		var legacy []models.Message
		if legacyErr := json.Unmarshal(raw, &legacy); legacyErr != nil {
			return fmt.Errorf("parse chat %q: %w", name, err)
		}
		file = models.ChatFile{Settings: models.DefaultChatSettings(), Messages: legacy}
	}
	if file.Messages == nil {
		file.Messages = []models.Message{}
	}
	m.active = name
	m.settings = file.Settings
	m.messages = file.Messages
	m.lastTS = ""
	if len(file.Messages) > 0 {
		m.lastTS = file.Messages[len(file.Messages)-1].Timestamp
	}
	return nil
}

// persistLocked writes the active chat file. Callers hold m.mu.
func (m *Manager) persistLocked() error {
	return m.writeChat(m.active, models.ChatFile{Settings: m.settings, Messages: m.messages})
}

// writeChat replaces a chat file atomically (write temp, rename).
func (m *Manager) writeChat(name string, file models.ChatFile) error {
	payload, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encode chat %q: %w", name, err)
	}
	path := m.chatPath(name)
	tmp, err := os.CreateTemp(m.dir, name+".*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}
