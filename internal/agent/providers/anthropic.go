// Package providers implements the LLM backends: Anthropic's Claude API and
// OpenAI-compatible endpoints (OpenAI itself and Fireworks).
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/pkg/models"
)

const anthropicDefaultModel = "claude-sonnet-4-20250514"

// maxEmptyStreamEvents bounds how many consecutive empty SSE events we
// tolerate before treating the stream as malformed.
const maxEmptyStreamEvents = 300

// emit sends a chunk unless the consumer is gone. A caller that abandons the
// channel cancels the request context, so the send must never outlive it.
func emit(ctx context.Context, chunks chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case chunks <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// AnthropicProvider streams completions from the Anthropic Messages API.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider creates a Claude provider.
func NewAnthropicProvider(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: API key not configured")
	}
	if defaultModel == "" {
		defaultModel = anthropicDefaultModel
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}, nil
}

// Name identifies the provider in settings and logs.
func (p *AnthropicProvider) Name() string { return "claude" }

// Complete starts a streaming completion. Streaming errors arrive as chunk
// errors; the channel closes when the stream ends.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  convertAnthropicMessages(req.Messages),
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	chunks := make(chan *agent.CompletionChunk, 16)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream converts Anthropic SSE events into chunks. Tool input JSON
// arrives as fragments across delta events and is accumulated until the
// block closes.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)

	var currentToolCall *models.ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		if event.Type == "" {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				emit(ctx, chunks, &agent.CompletionChunk{Error: errors.New("anthropic: malformed stream, too many empty events")})
				return
			}
			continue
		}
		emptyEvents = 0
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					if !emit(ctx, chunks, &agent.CompletionChunk{Text: delta.Text}) {
						return
					}
				}
			case "input_json_delta":
				currentToolInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Arguments = currentToolInput.String()
				if currentToolCall.Arguments == "" {
					currentToolCall.Arguments = "{}"
				}
				if !emit(ctx, chunks, &agent.CompletionChunk{ToolCall: currentToolCall}) {
					return
				}
				currentToolCall = nil
			}
		case "message_stop":
			emit(ctx, chunks, &agent.CompletionChunk{Done: true})
			return
		case "error":
			emit(ctx, chunks, &agent.CompletionChunk{Error: errors.New("anthropic: stream error")})
			return
		}
	}
	if err := stream.Err(); err != nil {
		emit(ctx, chunks, &agent.CompletionChunk{Error: fmt.Errorf("anthropic: %w", err)})
		return
	}
	emit(ctx, chunks, &agent.CompletionChunk{Done: true})
}

// convertAnthropicMessages maps the internal history to Anthropic's content
// block format. System messages are carried separately; tool results become
// tool_result blocks on user messages.
func convertAnthropicMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		var content []anthropic.ContentBlockParamUnion
		if msg.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		} else if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, call := range msg.ToolCalls {
			input := map[string]any{}
			if call.Arguments != "" {
				// Best effort: a malformed argument string becomes an empty
				// input rather than a dropped call.
				_ = json.Unmarshal([]byte(call.Arguments), &input)
			}
			content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
		}
		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func convertAnthropicTools(descriptors []agent.ToolDescriptor) ([]anthropic.ToolUnionParam, error) {
	var out []anthropic.ToolUnionParam
	for _, d := range descriptors {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid schema for tool %s: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool definition for %s", d.Name)
		}
		param.OfTool.Description = anthropic.String(d.Description)
		out = append(out, param)
	}
	return out, nil
}
