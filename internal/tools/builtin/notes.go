package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sapphirehost/sapphire/internal/store"
	"github.com/sapphirehost/sapphire/internal/tools"
)

const notesSettingsKey = "assistant_notes"

// RememberNoteTool appends a short note to the settings-backed scratchpad.
type RememberNoteTool struct {
	settings *store.Settings
}

// NewRememberNoteTool creates the remember_note tool.
func NewRememberNoteTool(settings *store.Settings) *RememberNoteTool {
	return &RememberNoteTool{settings: settings}
}

// Descriptor describes the tool.
func (t *RememberNoteTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "remember_note",
		Description: "Save a short note so it can be recalled in later conversations.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"note": {"type": "string", "description": "The note to remember."}
			},
			"required": ["note"]
		}`),
		Local: true,
	}
}

// Execute appends the note.
func (t *RememberNoteTool) Execute(ctx context.Context, args tools.Args) (string, bool) {
	note := strings.TrimSpace(args.String("note"))
	if note == "" {
		return "note is required", false
	}
	notes := t.settings.GetStringSlice(notesSettingsKey)
	notes = append(notes, note)
	if err := t.settings.Set(notesSettingsKey, notes); err != nil {
		return "failed to save note: " + err.Error(), false
	}
	return "Noted.", true
}

// RecallNotesTool lists the saved notes.
type RecallNotesTool struct {
	settings *store.Settings
}

// NewRecallNotesTool creates the recall_notes tool.
func NewRecallNotesTool(settings *store.Settings) *RecallNotesTool {
	return &RecallNotesTool{settings: settings}
}

// Descriptor describes the tool.
func (t *RecallNotesTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "recall_notes",
		Description: "List the notes saved with remember_note.",
		Parameters:  json.RawMessage(`{"type": "object", "properties": {}}`),
		Local:       true,
	}
}

// Execute lists the notes.
func (t *RecallNotesTool) Execute(ctx context.Context, args tools.Args) (string, bool) {
	notes := t.settings.GetStringSlice(notesSettingsKey)
	if len(notes) == 0 {
		return "No notes saved.", true
	}
	var sb strings.Builder
	for i, note := range notes {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, note)
	}
	return strings.TrimRight(sb.String(), "\n"), true
}
