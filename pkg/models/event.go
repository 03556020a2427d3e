// Package models holds the wire-level types shared across components.
package models

import "time"

// EventKind names a bus event. Kinds are stable strings: subscribers switch
// on them and the SSE surface serializes them as the "type" field.
type EventKind string

const (
	EventAITypingStart EventKind = "ai-typing-start"
	EventAITypingEnd   EventKind = "ai-typing-end"

	EventMessageAdded   EventKind = "message-added"
	EventMessageRemoved EventKind = "message-removed"
	EventChatSwitched   EventKind = "chat-switched"
	EventChatCleared    EventKind = "chat-cleared"

	EventTTSPlaying EventKind = "tts-playing"
	EventTTSStopped EventKind = "tts-stopped"

	EventSTTRecordingStart      EventKind = "stt-recording-start"
	EventSTTRecordingEnd        EventKind = "stt-recording-end"
	EventSTTRecordingProcessing EventKind = "stt-recording-processing"

	EventWakewordDetected EventKind = "wakeword-detected"

	EventToolExecuting EventKind = "tool-executing"
	EventToolComplete  EventKind = "tool-complete"

	EventPromptChanged  EventKind = "prompt-changed"
	EventAbilityChanged EventKind = "ability-changed"
	EventSpiceChanged   EventKind = "spice-changed"

	EventContextWarning  EventKind = "context-warning"
	EventContextCritical EventKind = "context-critical"

	EventLLMError EventKind = "llm-error"
	EventTTSError EventKind = "tts-error"
	EventSTTError EventKind = "stt-error"

	EventContinuityTaskStarting EventKind = "continuity-task-starting"
	EventContinuityTaskComplete EventKind = "continuity-task-complete"
	EventContinuityTaskSkipped  EventKind = "continuity-task-skipped"
	EventContinuityTaskError    EventKind = "continuity-task-error"

	EventKeepalive EventKind = "keepalive"
)

// Event is one bus event. Timestamp is seconds since the epoch with
// microsecond precision.
type Event struct {
	Kind      EventKind      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp float64        `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(kind EventKind, data map[string]any) Event {
	return Event{
		Kind:      kind,
		Data:      data,
		Timestamp: float64(time.Now().UnixMicro()) / 1e6,
	}
}
