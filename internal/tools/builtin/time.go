package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sapphirehost/sapphire/internal/tools"
)

// TimeDateTool reports the current time or date in a TTS-friendly phrasing.
type TimeDateTool struct {
	// Now overrides the clock for tests.
	Now func() time.Time
}

// Descriptor describes the tool.
func (t *TimeDateTool) Descriptor() tools.Descriptor {
	return tools.Descriptor{
		Name:        "time_date",
		Description: "Get the current time or date. Use when the user asks what time or day it is.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"mode": {
					"type": "string",
					"enum": ["time", "date"],
					"description": "Whether to report the time (default) or the date."
				}
			}
		}`),
		Local: true,
	}
}

// Execute returns the current time as "It's 3:04 PM." or the date as a
// spoken-style phrase.
func (t *TimeDateTool) Execute(ctx context.Context, args tools.Args) (string, bool) {
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	if args.String("mode") == "date" {
		return fmt.Sprintf("Today is %s.", now.Format("Monday, January 2, 2006")), true
	}
	return fmt.Sprintf("It's %s.", now.Format("3:04 PM")), true
}
