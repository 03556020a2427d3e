package sessions

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sapphirehost/sapphire/pkg/models"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), opts...)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func appendMsg(t *testing.T, m *Manager, role models.Role, content string) models.Message {
	t.Helper()
	msg, err := m.AppendMessage(models.Message{Role: role, Content: content})
	if err != nil {
		t.Fatalf("AppendMessage(%s, %q) error = %v", role, content, err)
	}
	return msg
}

func TestManager_DefaultChatAlwaysExists(t *testing.T) {
	m := newTestManager(t)
	if m.ActiveChat() != models.DefaultChatName {
		t.Errorf("active = %q, want default", m.ActiveChat())
	}
	names, err := m.ListChats()
	if err != nil {
		t.Fatalf("ListChats() error = %v", err)
	}
	if len(names) != 1 || names[0] != models.DefaultChatName {
		t.Errorf("ListChats() = %v", names)
	}
	got := m.Settings()
	want := models.DefaultChatSettings()
	if got != want {
		t.Errorf("default settings = %+v, want %+v", got, want)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Work Stuff", "work_stuff"},
		{"notes-2", "notes_2"},
		{"WEIRD!!name", "weirdname"},
		{"  trimmed  ", "trimmed"},
		{"___", "___"},
	}
	for _, tc := range cases {
		if got := SanitizeName(tc.in); got != tc.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestManager_CreateDeleteSwitch(t *testing.T) {
	m := newTestManager(t)

	name, err := m.CreateChat("My Story")
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	if name != "my_story" {
		t.Errorf("created chat %q, want my_story", name)
	}
	if _, err := m.CreateChat("my_story"); !errors.Is(err, ErrChatExists) {
		t.Errorf("duplicate create error = %v, want ErrChatExists", err)
	}

	if err := m.SetActiveChat("my_story"); err != nil {
		t.Fatalf("SetActiveChat() error = %v", err)
	}
	appendMsg(t, m, models.RoleUser, "hello")

	if err := m.DeleteChat(models.DefaultChatName); err == nil {
		t.Error("deleting the default chat should fail")
	}

	// Deleting the active chat switches back to default.
	if err := m.DeleteChat("my_story"); err != nil {
		t.Fatalf("DeleteChat() error = %v", err)
	}
	if m.ActiveChat() != models.DefaultChatName {
		t.Errorf("active after delete = %q, want default", m.ActiveChat())
	}
	if err := m.SetActiveChat("ghost"); !errors.Is(err, ErrChatNotFound) {
		t.Errorf("switch to missing chat error = %v, want ErrChatNotFound", err)
	}
}

func TestManager_TimestampsStrictlyMonotonic(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	m := newTestManager(t, WithNow(func() time.Time { return fixed }))

	a := appendMsg(t, m, models.RoleUser, "one")
	b := appendMsg(t, m, models.RoleAssistant, "two")
	c := appendMsg(t, m, models.RoleUser, "three")

	if !(a.Timestamp < b.Timestamp && b.Timestamp < c.Timestamp) {
		t.Errorf("timestamps not strictly increasing: %q %q %q", a.Timestamp, b.Timestamp, c.Timestamp)
	}
	if _, err := time.Parse(TimestampLayout, a.Timestamp); err != nil {
		t.Errorf("timestamp %q does not parse: %v", a.Timestamp, err)
	}
}

func TestManager_MonotonicAcrossReload(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	dir := t.TempDir()
	m, err := NewManager(dir, WithNow(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	last := appendMsg(t, m, models.RoleUser, "one")

	m2, err := NewManager(dir, WithNow(func() time.Time { return fixed }))
	if err != nil {
		t.Fatalf("NewManager() reload error = %v", err)
	}
	next := appendMsg(t, m2, models.RoleUser, "two")
	if next.Timestamp <= last.Timestamp {
		t.Errorf("timestamp %q not after %q after reload", next.Timestamp, last.Timestamp)
	}
}

func TestManager_LegacyBareArrayLoads(t *testing.T) {
	dir := t.TempDir()
	legacy := []models.Message{
		{Role: models.RoleUser, Content: "old", Timestamp: "2025-01-01 00:00:00.000000"},
	}
	raw, _ := json.Marshal(legacy)
	if err := os.WriteFile(filepath.Join(dir, "vintage.json"), raw, 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := m.SetActiveChat("vintage"); err != nil {
		t.Fatalf("SetActiveChat(vintage) error = %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Content != "old" {
		t.Fatalf("legacy messages = %+v", msgs)
	}
	if m.Settings() != models.DefaultChatSettings() {
		t.Errorf("legacy chat should get default settings, got %+v", m.Settings())
	}

	// A write upgrades the file to the {settings, messages} shape.
	appendMsg(t, m, models.RoleUser, "new")
	upgraded, err := os.ReadFile(filepath.Join(dir, "vintage.json"))
	if err != nil {
		t.Fatal(err)
	}
	var file models.ChatFile
	if err := json.Unmarshal(upgraded, &file); err != nil {
		t.Fatalf("upgraded file does not parse as ChatFile: %v", err)
	}
	if len(file.Messages) != 2 {
		t.Errorf("upgraded file has %d messages, want 2", len(file.Messages))
	}
}

func TestManager_UpdateChatSettingsShallowMerge(t *testing.T) {
	m := newTestManager(t)
	got, err := m.UpdateChatSettings(json.RawMessage(`{"provider":"claude","model":"claude-sonnet-4"}`))
	if err != nil {
		t.Fatalf("UpdateChatSettings() error = %v", err)
	}
	if got.Provider != "claude" || got.Model != "claude-sonnet-4" {
		t.Errorf("merged settings = %+v", got)
	}
	if got.Prompt != "default" || got.SpiceTurns != 5 {
		t.Errorf("untouched keys changed: %+v", got)
	}

	if _, err := m.UpdateChatSettings(json.RawMessage(`{broken`)); err == nil {
		t.Error("malformed delta should fail")
	}
}

func TestManager_SettingsPersistPerChat(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateChat("story"); err != nil {
		t.Fatal(err)
	}
	if err := m.SetActiveChat("story"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.UpdateChatSettings(json.RawMessage(`{"toolset":"utilities"}`)); err != nil {
		t.Fatal(err)
	}
	if err := m.SetActiveChat(models.DefaultChatName); err != nil {
		t.Fatal(err)
	}
	if m.Settings().Toolset != "none" {
		t.Errorf("default chat toolset = %q, want none", m.Settings().Toolset)
	}
	if err := m.SetActiveChat("story"); err != nil {
		t.Fatal(err)
	}
	if m.Settings().Toolset != "utilities" {
		t.Errorf("story chat toolset = %q, want utilities", m.Settings().Toolset)
	}
}

func TestManager_EditMessageByTimestamp(t *testing.T) {
	m := newTestManager(t)
	appendMsg(t, m, models.RoleUser, "hi")
	reply := appendMsg(t, m, models.RoleAssistant, "typo")

	if err := m.EditMessageByTimestamp(models.RoleAssistant, reply.Timestamp, "fixed"); err != nil {
		t.Fatalf("EditMessageByTimestamp() error = %v", err)
	}
	msgs := m.Messages()
	if msgs[1].Content != "fixed" {
		t.Errorf("content = %q, want fixed", msgs[1].Content)
	}
	// Role must match as well as timestamp.
	if err := m.EditMessageByTimestamp(models.RoleUser, reply.Timestamp, "x"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("role mismatch error = %v, want ErrMessageNotFound", err)
	}
}

func TestManager_RemoveLastMessages(t *testing.T) {
	m := newTestManager(t)
	appendMsg(t, m, models.RoleUser, "a")
	appendMsg(t, m, models.RoleAssistant, "b")
	appendMsg(t, m, models.RoleUser, "c")

	if err := m.RemoveLastMessages(2); err != nil {
		t.Fatalf("RemoveLastMessages() error = %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 1 || msgs[0].Content != "a" {
		t.Errorf("messages = %+v", msgs)
	}
	// Over-large n clears without erroring.
	if err := m.RemoveLastMessages(10); err != nil {
		t.Fatalf("RemoveLastMessages(10) error = %v", err)
	}
	if len(m.Messages()) != 0 {
		t.Errorf("messages remain after over-large removal")
	}
}

func TestManager_RemoveFromUserMessage(t *testing.T) {
	m := newTestManager(t)
	appendMsg(t, m, models.RoleUser, "keep me")
	appendMsg(t, m, models.RoleAssistant, "sure")
	appendMsg(t, m, models.RoleUser, "redo this")
	appendMsg(t, m, models.RoleAssistant, "attempt")

	if err := m.RemoveFromUserMessage("redo this"); err != nil {
		t.Fatalf("RemoveFromUserMessage() error = %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 2 || msgs[1].Content != "sure" {
		t.Errorf("messages = %+v", msgs)
	}
	if err := m.RemoveFromUserMessage("never said"); !errors.Is(err, ErrMessageNotFound) {
		t.Errorf("missing text error = %v, want ErrMessageNotFound", err)
	}
}

func TestManager_RemoveFromAssistantTimestampKeepsUsers(t *testing.T) {
	m := newTestManager(t)
	appendMsg(t, m, models.RoleUser, "q1")
	target := appendMsg(t, m, models.RoleAssistant, "a1")
	appendMsg(t, m, models.RoleUser, "q2")
	appendMsg(t, m, models.RoleAssistant, "a2")

	if err := m.RemoveFromAssistantTimestamp(target.Timestamp); err != nil {
		t.Fatalf("RemoveFromAssistantTimestamp() error = %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Content != "q1" || msgs[1].Content != "q2" {
		t.Errorf("user messages not preserved: %+v", msgs)
	}
}

func TestManager_RemoveLastAssistantInTurn(t *testing.T) {
	m := newTestManager(t)
	appendMsg(t, m, models.RoleUser, "q1")
	target, err := m.AppendMessage(models.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "time_date", Arguments: "{}"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.AppendMessage(models.Message{
		Role: models.RoleTool, Content: "It's 3:04 PM.", ToolCallID: "c1", Name: "time_date",
	}); err != nil {
		t.Fatal(err)
	}
	appendMsg(t, m, models.RoleAssistant, "it is afternoon")
	appendMsg(t, m, models.RoleUser, "q2")
	appendMsg(t, m, models.RoleAssistant, "a2")

	if err := m.RemoveLastAssistantInTurn(target.Timestamp); err != nil {
		t.Fatalf("RemoveLastAssistantInTurn() error = %v", err)
	}
	msgs := m.Messages()
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if msgs[0].Content != "q1" || msgs[1].Content != "q2" || msgs[2].Content != "a2" {
		t.Errorf("later turn not preserved: %+v", msgs)
	}
}

func TestManager_TurnNumber(t *testing.T) {
	m := newTestManager(t)
	if got := m.TurnNumber(); got != 0 {
		t.Errorf("TurnNumber() = %d on empty chat", got)
	}
	appendMsg(t, m, models.RoleUser, "q1")
	appendMsg(t, m, models.RoleAssistant, "a1")
	appendMsg(t, m, models.RoleUser, "q2")
	if got := m.TurnNumber(); got != 2 {
		t.Errorf("TurnNumber() = %d, want 2", got)
	}
}

func TestBuildDisplayBlocks(t *testing.T) {
	messages := []models.Message{
		{Role: models.RoleUser, Content: "what time is it", Timestamp: "t1"},
		{Role: models.RoleAssistant, Timestamp: "t2",
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "time_date", Arguments: "{}"}}},
		{Role: models.RoleTool, Content: "It's 3:04 PM.", Timestamp: "t3", ToolCallID: "c1", Name: "time_date"},
		{Role: models.RoleAssistant, Content: "It's just past three.", Timestamp: "t4"},
		{Role: models.RoleUser, Content: "thanks", Timestamp: "t5"},
	}

	blocks := BuildDisplayBlocks(messages)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3: %+v", len(blocks), blocks)
	}

	if blocks[0].Role != models.RoleUser || blocks[0].Content != "what time is it" {
		t.Errorf("block 0 = %+v", blocks[0])
	}

	parts := blocks[1].Parts
	if len(parts) != 3 {
		t.Fatalf("assistant block parts = %+v", parts)
	}
	wantTypes := []models.DisplayPartType{models.PartToolCall, models.PartToolResult, models.PartContent}
	for i, want := range wantTypes {
		if parts[i].Type != want {
			t.Errorf("part %d type = %q, want %q", i, parts[i].Type, want)
		}
	}
	if parts[1].ToolCallID != "c1" || parts[1].Content != "It's 3:04 PM." {
		t.Errorf("tool result part = %+v", parts[1])
	}

	if blocks[2].Role != models.RoleUser || blocks[2].Content != "thanks" {
		t.Errorf("block 2 = %+v", blocks[2])
	}

	// Source list untouched.
	if len(messages) != 5 {
		t.Errorf("source messages mutated: %d entries", len(messages))
	}
}
