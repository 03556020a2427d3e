// Package agent contains the chat orchestrator: it turns a user utterance
// into a streamed assistant reply, running the tool-calling loop against an
// LLM provider and persisting the results.
package agent

import (
	"context"

	"github.com/sapphirehost/sapphire/pkg/models"
)

// CompletionMessage is one message in a provider request.
type CompletionMessage struct {
	Role    string
	Content string

	// Assistant messages may carry the tool calls they made.
	ToolCalls []models.ToolCall

	// Tool messages bind a result to its call.
	ToolCallID string
	Name       string
}

// ToolDescriptor is the provider-facing view of a tool.
type ToolDescriptor struct {
	Name        string
	Description string
	Parameters  []byte
}

// CompletionRequest is a streaming completion request.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolDescriptor
	MaxTokens int
}

// CompletionChunk is one streamed piece of a completion. Text chunks arrive
// as produced; a ToolCall arrives once its argument JSON is fully
// accumulated; Done closes the stream; Error aborts it.
type CompletionChunk struct {
	Text     string
	ToolCall *models.ToolCall
	Done     bool
	Error    error
}

// LLMProvider streams completions. Implementations must close the returned
// channel when the stream ends and must honor ctx cancellation.
type LLMProvider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// ProviderResolver maps a provider name from chat settings to a live client.
type ProviderResolver interface {
	Provider(name string) (LLMProvider, error)
}

// ProviderResolverFunc adapts a function to the ProviderResolver interface.
type ProviderResolverFunc func(name string) (LLMProvider, error)

// Provider implements ProviderResolver.
func (f ProviderResolverFunc) Provider(name string) (LLMProvider, error) {
	return f(name)
}
