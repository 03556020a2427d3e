package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/pkg/models"
)

const (
	openaiDefaultModel    = "gpt-4o"
	fireworksBaseURL      = "https://api.fireworks.ai/inference/v1"
	fireworksDefaultModel = "accounts/fireworks/models/llama-v3p1-70b-instruct"
)

// OpenAIProvider streams completions from OpenAI or any OpenAI-compatible
// endpoint (Fireworks uses the same wire protocol behind a different base URL).
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
}

// NewOpenAIProvider creates a provider against the official OpenAI API.
func NewOpenAIProvider(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key not configured")
	}
	if defaultModel == "" {
		defaultModel = openaiDefaultModel
	}
	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		name:         "openai",
		defaultModel: defaultModel,
	}, nil
}

// NewFireworksProvider creates an OpenAI-compatible provider pointed at the
// Fireworks inference endpoint.
func NewFireworksProvider(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("fireworks: API key not configured")
	}
	if defaultModel == "" {
		defaultModel = fireworksDefaultModel
	}
	config := openai.DefaultConfig(apiKey)
	config.BaseURL = fireworksBaseURL
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(config),
		name:         "fireworks",
		defaultModel: defaultModel,
	}, nil
}

// Name identifies the provider in settings and logs.
func (p *OpenAIProvider) Name() string { return p.name }

// Complete starts a streaming chat completion.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	request := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  convertOpenAIMessages(req.System, req.Messages),
		Stream:    true,
		MaxTokens: req.MaxTokens,
		Tools:     convertOpenAITools(req.Tools),
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	chunks := make(chan *agent.CompletionChunk, 16)
	go p.processStream(ctx, stream, chunks)
	return chunks, nil
}

// processStream consumes the SSE stream. Tool calls arrive as fragments
// keyed by index; argument JSON is concatenated across deltas and the
// assembled calls are emitted when the model finishes with "tool_calls"
// or the stream ends.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk) {
	defer close(chunks)
	defer stream.Close()

	pending := make(map[int]*models.ToolCall)

	flush := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pending[i]
			if call.Arguments == "" {
				call.Arguments = "{}"
			}
			if !emit(ctx, chunks, &agent.CompletionChunk{ToolCall: call}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if !flush() {
				return
			}
			emit(ctx, chunks, &agent.CompletionChunk{Done: true})
			return
		}
		if err != nil {
			emit(ctx, chunks, &agent.CompletionChunk{Error: fmt.Errorf("%s: %w", p.name, err)})
			return
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]

		if choice.Delta.Content != "" {
			if !emit(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := pending[idx]
			if !ok {
				call = &models.ToolCall{}
				pending[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

func convertOpenAIMessages(system string, messages []agent.CompletionMessage) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}
	for _, msg := range messages {
		converted := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == "tool" {
			converted.ToolCallID = msg.ToolCallID
			converted.Name = msg.Name
		}
		for _, call := range msg.ToolCalls {
			converted.ToolCalls = append(converted.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: call.Arguments,
				},
			})
		}
		out = append(out, converted)
	}
	return out
}

func convertOpenAITools(descriptors []agent.ToolDescriptor) []openai.Tool {
	var out []openai.Tool
	for _, d := range descriptors {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  json.RawMessage(d.Parameters),
			},
		})
	}
	return out
}
