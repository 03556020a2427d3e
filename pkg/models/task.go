package models

// Task is a continuity task evaluated by the background scheduler.
// An empty ChatTarget means the task runs in ephemeral mode, isolated from
// all session state; otherwise it names the chat to enter for a foreground
// run.
type Task struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Enabled         bool   `json:"enabled"`
	Schedule        string `json:"schedule"`
	Chance          int    `json:"chance"`
	Iterations      int    `json:"iterations"`
	CooldownMinutes int    `json:"cooldown_minutes"`

	Provider       string `json:"provider"`
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Toolset        string `json:"toolset"`
	MemoryScope    string `json:"memory_scope"`
	InjectDatetime bool   `json:"inject_datetime"`
	TTSEnabled     bool   `json:"tts_enabled"`
	InitialMessage string `json:"initial_message"`
	ChatTarget     string `json:"chat_target"`

	LastRun string `json:"last_run,omitempty"`
}

// ActivityStatus classifies one scheduler activity entry.
type ActivityStatus string

const (
	ActivityStarted  ActivityStatus = "started"
	ActivityComplete ActivityStatus = "complete"
	ActivitySkipped  ActivityStatus = "skipped"
	ActivityError    ActivityStatus = "error"
)

// ActivityEntry is one record in the scheduler's persisted activity ring.
type ActivityEntry struct {
	Timestamp string         `json:"timestamp"`
	TaskID    string         `json:"task_id"`
	TaskName  string         `json:"task_name"`
	Status    ActivityStatus `json:"status"`
	Details   string         `json:"details,omitempty"`
}

// TimelineOccurrence is one projected future fire of an enabled task.
type TimelineOccurrence struct {
	TaskID   string `json:"task_id"`
	TaskName string `json:"task_name"`
	At       string `json:"at"`
}
