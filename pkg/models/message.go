package models

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// ToolCall is an LLM request to execute a named tool. Arguments is the raw
// JSON argument string exactly as the model produced it.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single chat entry. Timestamp is the message's identity key
// within its chat: unique and strictly monotonic in insertion order.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`

	// Assistant messages may carry tool calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Tool messages bind a result back to the triggering call.
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	ToolInputs map[string]any `json:"tool_inputs,omitempty"`
}

// DisplayPartType classifies one item of a display block.
type DisplayPartType string

const (
	PartContent    DisplayPartType = "content"
	PartToolCall   DisplayPartType = "tool_call"
	PartToolResult DisplayPartType = "tool_result"
)

// DisplayPart is one ordered item inside a display block.
type DisplayPart struct {
	Type       DisplayPartType `json:"type"`
	Content    string          `json:"content,omitempty"`
	Name       string          `json:"name,omitempty"`
	Arguments  string          `json:"arguments,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Inputs     map[string]any  `json:"inputs,omitempty"`
}

// DisplayBlock groups an assistant message with its tool results and
// continuations into one renderable unit. The underlying message list is
// never mutated by the transform.
type DisplayBlock struct {
	Role      Role          `json:"role"`
	Timestamp string        `json:"timestamp"`
	Content   string        `json:"content,omitempty"`
	Parts     []DisplayPart `json:"parts,omitempty"`
}
