package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sapphirehost/sapphire/internal/state"
	"github.com/sapphirehost/sapphire/internal/tools"
	"github.com/sapphirehost/sapphire/pkg/models"
)

// maxToolRounds caps tool-call rounds per turn. Exceeding it turns the
// pending calls into error results and forces a final text-only completion.
const maxToolRounds = 8

const defaultMaxTokens = 4096

var turnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "sapphire_chat_turns_total",
	Help: "Completed chat turns by outcome.",
}, []string{"outcome"})

// Sessions is the slice of the session manager the orchestrator needs. The
// continuity executor substitutes an in-memory implementation for ephemeral
// runs.
type Sessions interface {
	ActiveChat() string
	Settings() models.ChatSettings
	Messages() []models.Message
	AppendMessage(msg models.Message) (models.Message, error)
	TurnNumber() int
}

// Toolbox dispatches regular (non-state) tools.
type Toolbox interface {
	Enabled() []tools.Descriptor
	ToolsetDescriptors(name string) ([]tools.Descriptor, error)
	Execute(ctx context.Context, name string, args tools.Args) (string, bool)
}

// Scenario is the state engine surface the orchestrator consumes.
type Scenario interface {
	Tools(chat string) []tools.Descriptor
	ExecuteTool(ctx context.Context, chat, name string, args tools.Args, turn int) (string, bool)
	BuildPrompt(chat string, turn int) string
	StateSummary(chat string, turn int) string
}

// Prompts resolves named system prompts.
type Prompts interface {
	SystemPrompt(name string) (string, bool)
}

// Spices picks a random line from a named spice set.
type Spices interface {
	Pick(set string) (string, bool)
}

// Publisher is the event bus surface used here.
type Publisher interface {
	Publish(kind models.EventKind, data map[string]any)
}

// StreamEvent is one element of the lazy turn stream handed to the caller.
type StreamEvent struct {
	Chunk     string
	Done      bool
	Ephemeral bool
	Cancelled bool
	Err       error
}

// TurnRequest describes one chat turn.
type TurnRequest struct {
	Text    string
	Prefill string

	// SkipUserMessage streams without appending the user message first
	// (continue mode).
	SkipUserMessage bool

	// Ephemeral streams the reply but never persists it.
	Ephemeral bool
}

// Orchestrator runs streaming chat turns.
type Orchestrator struct {
	sessions  Sessions
	toolbox   Toolbox
	scenario  Scenario
	prompts   Prompts
	spices    Spices
	bus       Publisher
	providers ProviderResolver
	logger    *slog.Logger
	now       func() time.Time
	maxTokens int

	cancelled atomic.Bool
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger.With("component", "orchestrator") }
}

// WithNow overrides the clock, for tests.
func WithNow(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithSpices enables spice injection.
func WithSpices(s Spices) Option {
	return func(o *Orchestrator) { o.spices = s }
}

// WithScenario wires the state engine.
func WithScenario(s Scenario) Option {
	return func(o *Orchestrator) { o.scenario = s }
}

// WithMaxTokens sets the per-completion token ceiling.
func WithMaxTokens(n int) Option {
	return func(o *Orchestrator) { o.maxTokens = n }
}

// NewOrchestrator wires a chat orchestrator.
func NewOrchestrator(sessions Sessions, toolbox Toolbox, prompts Prompts, bus Publisher, providers ProviderResolver, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:  sessions,
		toolbox:   toolbox,
		prompts:   prompts,
		bus:       bus,
		providers: providers,
		logger:    slog.Default().With("component", "orchestrator"),
		now:       time.Now,
		maxTokens: defaultMaxTokens,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cancel aborts the in-flight turn. The partial assistant message is not
// persisted. The flag clears itself when the next turn starts.
func (o *Orchestrator) Cancel() {
	o.cancelled.Store(true)
}

// StreamTurn runs one chat turn and returns its event stream. The channel is
// closed after the terminal event ({done}, {cancelled} or {error}).
func (o *Orchestrator) StreamTurn(ctx context.Context, req TurnRequest) (<-chan StreamEvent, error) {
	settings := o.sessions.Settings()
	provider, err := o.providers.Provider(settings.Provider)
	if err != nil {
		return nil, err
	}

	o.cancelled.Store(false)

	if !req.SkipUserMessage {
		if _, err := o.sessions.AppendMessage(models.Message{
			Role:    models.RoleUser,
			Content: req.Text,
		}); err != nil {
			return nil, fmt.Errorf("persist user message: %w", err)
		}
	}

	out := make(chan StreamEvent, 16)
	go o.runTurn(ctx, provider, settings, req, out)
	return out, nil
}

// runTurn is the iterative tool loop. It must never hold a lock while
// reading provider chunks.
func (o *Orchestrator) runTurn(ctx context.Context, provider LLMProvider, settings models.ChatSettings, req TurnRequest, out chan<- StreamEvent) {
	defer close(out)

	chat := o.sessions.ActiveChat()
	turn := o.sessions.TurnNumber()
	prefill := req.Prefill

	// The loop works on a local copy of the history so ephemeral turns can
	// grow it without persisting anything.
	var history []CompletionMessage
	for _, msg := range o.sessions.Messages() {
		history = append(history, CompletionMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCalls:  msg.ToolCalls,
			ToolCallID: msg.ToolCallID,
			Name:       msg.Name,
		})
	}

	o.bus.Publish(models.EventAITypingStart, map[string]any{"chat": chat})
	typingDone := false
	endTyping := func() {
		if !typingDone {
			o.bus.Publish(models.EventAITypingEnd, map[string]any{"chat": chat})
			typingDone = true
		}
	}
	defer endTyping()

	for round := 0; ; round++ {
		allowTools := round < maxToolRounds
		creq := o.buildRequest(chat, settings, turn, history, prefill, allowTools)

		chunks, err := provider.Complete(ctx, creq)
		if err != nil {
			o.failTurn(out, chat, err)
			return
		}

		content := prefill
		prefill = ""
		var toolCalls []models.ToolCall
		aborted := false
		for chunk := range chunks {
			if o.cancelled.Load() {
				aborted = true
				break
			}
			switch {
			case chunk.Error != nil:
				o.failTurn(out, chat, chunk.Error)
				return
			case chunk.ToolCall != nil:
				toolCalls = append(toolCalls, *chunk.ToolCall)
			case chunk.Text != "":
				content += chunk.Text
				out <- StreamEvent{Chunk: chunk.Text}
			}
		}
		if aborted || o.cancelled.Load() {
			o.logger.Info("turn cancelled", "chat", chat, "round", round)
			turnsTotal.WithLabelValues("cancelled").Inc()
			out <- StreamEvent{Cancelled: true}
			return
		}

		if len(toolCalls) == 0 {
			o.finishTurn(out, chat, content, req.Ephemeral, endTyping)
			return
		}
		if round > maxToolRounds {
			// The model got one no-tools completion past the cap and still
			// produced tool calls. Stop rather than loop.
			o.failTurn(out, chat, fmt.Errorf("tool calls persisted past the %d-round cap", maxToolRounds))
			return
		}

		// Record the assistant message that requested the calls, then run
		// them in order and loop with the enlarged history.
		history = append(history, CompletionMessage{
			Role:      string(models.RoleAssistant),
			Content:   content,
			ToolCalls: toolCalls,
		})
		if !req.Ephemeral {
			if _, err := o.sessions.AppendMessage(models.Message{
				Role:      models.RoleAssistant,
				Content:   content,
				ToolCalls: toolCalls,
			}); err != nil {
				o.failTurn(out, chat, err)
				return
			}
		}
		for _, call := range toolCalls {
			result, _ := o.dispatchTool(ctx, chat, settings, call, turn, allowTools)
			history = append(history, CompletionMessage{
				Role:       string(models.RoleTool),
				Content:    result,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
			if !req.Ephemeral {
				inputs := map[string]any{}
				if parsed, err := tools.ParseArgs(call.Arguments); err == nil {
					inputs = parsed
				}
				if _, err := o.sessions.AppendMessage(models.Message{
					Role:       models.RoleTool,
					Content:    result,
					ToolCallID: call.ID,
					Name:       call.Name,
					ToolInputs: inputs,
				}); err != nil {
					o.failTurn(out, chat, err)
					return
				}
			}
		}
	}
}

// dispatchTool classifies and executes one tool call, publishing the
// tool-executing / tool-complete pair around it.
func (o *Orchestrator) dispatchTool(ctx context.Context, chat string, settings models.ChatSettings, call models.ToolCall, turn int, allowed bool) (string, bool) {
	o.bus.Publish(models.EventToolExecuting, map[string]any{"tool": call.Name})
	result, success := o.executeTool(ctx, chat, settings, call, turn, allowed)
	o.bus.Publish(models.EventToolComplete, map[string]any{"tool": call.Name, "success": success})
	if !success {
		o.logger.Info("tool failed", "tool", call.Name, "result", result)
	}
	return result, success
}

func (o *Orchestrator) executeTool(ctx context.Context, chat string, settings models.ChatSettings, call models.ToolCall, turn int, allowed bool) (string, bool) {
	if !allowed {
		return fmt.Sprintf("tool-call round limit (%d) reached; answer with what you have", maxToolRounds), false
	}
	args, err := tools.ParseArgs(call.Arguments)
	if err != nil {
		// Malformed argument JSON at stream end is a tool failure the model
		// can react to, not a turn abort.
		return "invalid tool arguments: " + err.Error(), false
	}
	if o.scenario != nil && settings.StateEngineEnabled && state.IsStateTool(call.Name) {
		return o.scenario.ExecuteTool(ctx, chat, call.Name, args, turn)
	}
	return o.toolbox.Execute(ctx, call.Name, args)
}

func (o *Orchestrator) finishTurn(out chan<- StreamEvent, chat, content string, ephemeral bool, endTyping func()) {
	if ephemeral {
		endTyping()
		turnsTotal.WithLabelValues("ephemeral").Inc()
		out <- StreamEvent{Done: true, Ephemeral: true}
		return
	}
	msg, err := o.sessions.AppendMessage(models.Message{
		Role:    models.RoleAssistant,
		Content: content,
	})
	if err != nil {
		o.failTurn(out, chat, err)
		return
	}
	endTyping()
	o.bus.Publish(models.EventMessageAdded, map[string]any{
		"chat":      chat,
		"role":      string(models.RoleAssistant),
		"timestamp": msg.Timestamp,
	})
	turnsTotal.WithLabelValues("complete").Inc()
	out <- StreamEvent{Done: true}
}

func (o *Orchestrator) failTurn(out chan<- StreamEvent, chat string, err error) {
	o.logger.Error("turn failed", "chat", chat, "error", err)
	o.bus.Publish(models.EventLLMError, map[string]any{"chat": chat, "error": err.Error()})
	turnsTotal.WithLabelValues("error").Inc()
	out <- StreamEvent{Err: err}
}

// buildRequest assembles the provider request: system prompt, history and
// tool descriptors.
func (o *Orchestrator) buildRequest(chat string, settings models.ChatSettings, turn int, history []CompletionMessage, prefill string, allowTools bool) *CompletionRequest {
	req := &CompletionRequest{
		Model:     settings.Model,
		System:    o.buildSystemPrompt(chat, settings, turn),
		MaxTokens: o.maxTokens,
	}

	req.Messages = append(req.Messages, history...)
	if prefill != "" {
		req.Messages = append(req.Messages, CompletionMessage{
			Role:    string(models.RoleAssistant),
			Content: prefill,
		})
	}

	if allowTools {
		descriptors := o.enabledTools(settings)
		if o.scenario != nil && settings.StateEngineEnabled {
			descriptors = append(descriptors, o.scenario.Tools(chat)...)
		}
		for _, d := range descriptors {
			req.Tools = append(req.Tools, ToolDescriptor{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			})
		}
	}
	return req
}

// enabledTools binds the chat's toolset setting to concrete descriptors. A
// chat with no toolset, or naming one the registry cannot resolve, falls back
// to the globally activated function set.
func (o *Orchestrator) enabledTools(settings models.ChatSettings) []tools.Descriptor {
	if settings.Toolset != "" {
		descriptors, err := o.toolbox.ToolsetDescriptors(settings.Toolset)
		if err == nil {
			return descriptors
		}
		o.logger.Warn("toolset not resolved", "toolset", settings.Toolset, "error", err)
	}
	return o.toolbox.Enabled()
}

// buildSystemPrompt layers the named prompt with the optional additions:
// custom context, the current datetime, a spice line and the state engine's
// scenario prompt and variable summary.
func (o *Orchestrator) buildSystemPrompt(chat string, settings models.ChatSettings, turn int) string {
	prompt := ""
	if o.prompts != nil {
		if base, ok := o.prompts.SystemPrompt(settings.Prompt); ok {
			prompt = base
		}
	}
	if prompt == "" {
		prompt = "You are a helpful assistant."
	}

	if settings.CustomContext != "" {
		prompt += "\n\n" + settings.CustomContext
	}
	if settings.InjectDatetime {
		prompt += "\n\nCurrent date and time: " + o.now().Format("Monday, January 2, 2006 at 3:04 PM")
	}
	if o.spices != nil && settings.SpiceEnabled && settings.SpiceTurns > 0 && turn%settings.SpiceTurns == 0 {
		if line, ok := o.spices.Pick(settings.SpiceSet); ok {
			prompt += "\n\nURGENT ALERT: " + line
		}
	}
	if o.scenario != nil && settings.StateEngineEnabled {
		if settings.StateStoryInPrompt {
			if story := o.scenario.BuildPrompt(chat, turn); story != "" {
				prompt += "\n\n" + story
			}
		}
		if settings.StateVarsInPrompt {
			if vars := o.scenario.StateSummary(chat, turn); vars != "" {
				prompt += "\n\n" + vars
			}
		}
	}
	return prompt
}
