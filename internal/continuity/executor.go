package continuity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/internal/sessions"
	"github.com/sapphirehost/sapphire/pkg/models"
)

// continueToken is the input for every iteration after the first.
const continueToken = "[continue]"

// Executor runs one continuity task: ephemeral when the task names no chat
// target, foreground through the real session manager otherwise.
type Executor struct {
	manager      *sessions.Manager
	orchestrator *agent.Orchestrator
	toolbox      agent.Toolbox
	prompts      agent.Prompts
	providers    agent.ProviderResolver
	bus          Publisher
	logger       *slog.Logger
	intn         func(n int) int
	sleep        func(ctx context.Context, d time.Duration)
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger.With("component", "executor") }
}

// WithExecutorRandInt overrides the chance-roll source, for tests.
func WithExecutorRandInt(intn func(n int) int) ExecutorOption {
	return func(e *Executor) { e.intn = intn }
}

// WithExecutorSleep overrides the inter-iteration sleep, for tests.
func WithExecutorSleep(sleep func(ctx context.Context, d time.Duration)) ExecutorOption {
	return func(e *Executor) { e.sleep = sleep }
}

// NewExecutor wires an executor. The orchestrator handles foreground runs;
// toolbox, prompts and providers rebuild an isolated one for ephemeral runs.
func NewExecutor(manager *sessions.Manager, orchestrator *agent.Orchestrator, toolbox agent.Toolbox, prompts agent.Prompts, providers agent.ProviderResolver, bus Publisher, opts ...ExecutorOption) *Executor {
	e := &Executor{
		manager:      manager,
		orchestrator: orchestrator,
		toolbox:      toolbox,
		prompts:      prompts,
		providers:    providers,
		bus:          bus,
		logger:       slog.Default().With("component", "executor"),
		intn:         rand.Intn,
		sleep:        sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes the task and returns the number of completed iterations.
func (e *Executor) Run(ctx context.Context, task models.Task) (int, error) {
	if strings.TrimSpace(task.ChatTarget) == "" {
		return e.runEphemeral(ctx, task)
	}
	return e.runForeground(ctx, task)
}

// runEphemeral runs iterations against a throwaway in-memory chat. The
// active session and the UI event stream never see it.
func (e *Executor) runEphemeral(ctx context.Context, task models.Task) (int, error) {
	isolated := newEphemeralSessions(taskSettings(task))
	orch := agent.NewOrchestrator(isolated, e.toolbox, e.prompts, noopPublisher{}, e.providers,
		agent.WithLogger(e.logger))
	return e.iterate(ctx, task, func(ctx context.Context, text string) error {
		return e.streamOne(ctx, orch, text)
	})
}

// runForeground switches into the target chat, applies the task settings,
// runs the iterations through the ordinary pipeline and always restores the
// previously active chat.
func (e *Executor) runForeground(ctx context.Context, task models.Task) (completed int, err error) {
	saved := e.manager.ActiveChat()

	target, err := e.resolveTarget(task.ChatTarget)
	if err != nil {
		return 0, err
	}
	if err := e.manager.SetActiveChat(target); err != nil {
		return 0, fmt.Errorf("switch to %s: %w", target, err)
	}
	defer func() {
		// Restore runs regardless of how the task ended.
		if restoreErr := e.manager.SetActiveChat(saved); restoreErr != nil {
			e.logger.Error("active chat not restored", "chat", saved, "error", restoreErr)
			if err == nil {
				err = restoreErr
			}
		}
		e.bus.Publish(models.EventChatSwitched, map[string]any{"chat": saved})
	}()

	delta, err := json.Marshal(taskSettingsDelta(task))
	if err != nil {
		return 0, err
	}
	if _, err := e.manager.UpdateChatSettings(delta); err != nil {
		return 0, fmt.Errorf("apply task settings: %w", err)
	}

	completed, err = e.iterate(ctx, task, func(ctx context.Context, text string) error {
		return e.streamOne(ctx, e.orchestrator, text)
	})
	return completed, err
}

// iterate runs the per-iteration chance/cooldown cycle around runOne.
func (e *Executor) iterate(ctx context.Context, task models.Task, runOne func(ctx context.Context, text string) error) (int, error) {
	iterations := task.Iterations
	if iterations <= 0 {
		iterations = 1
	}
	chance := task.Chance
	if chance <= 0 {
		chance = 100
	}

	completed := 0
	for i := 0; i < iterations; i++ {
		if ctx.Err() != nil {
			return completed, ctx.Err()
		}
		if i > 0 {
			if task.CooldownMinutes > 0 {
				e.sleep(ctx, time.Duration(task.CooldownMinutes)*time.Minute)
			}
			if chance < 100 && e.intn(100)+1 > chance {
				e.logger.Debug("iteration skipped by chance", "task", task.Name, "iteration", i)
				continue
			}
		}

		text := continueToken
		if i == 0 {
			text = task.InitialMessage
		}
		if err := runOne(ctx, text); err != nil {
			return completed, err
		}
		completed++
	}
	return completed, nil
}

// streamOne runs one turn to completion and surfaces stream errors.
func (e *Executor) streamOne(ctx context.Context, orch *agent.Orchestrator, text string) error {
	events, err := orch.StreamTurn(ctx, agent.TurnRequest{Text: text})
	if err != nil {
		return err
	}
	for ev := range events {
		if ev.Err != nil {
			return ev.Err
		}
	}
	return nil
}

// resolveTarget finds the chat case-insensitively, creating it if absent.
func (e *Executor) resolveTarget(target string) (string, error) {
	names, err := e.manager.ListChats()
	if err != nil {
		return "", err
	}
	want := sessions.SanitizeName(target)
	for _, name := range names {
		if strings.EqualFold(name, want) {
			return name, nil
		}
	}
	created, err := e.manager.CreateChat(target)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", target, err)
	}
	return created, nil
}

// taskSettings maps task fields onto a full settings bundle for ephemeral
// runs.
func taskSettings(task models.Task) models.ChatSettings {
	settings := models.DefaultChatSettings()
	if task.Prompt != "" {
		settings.Prompt = task.Prompt
	}
	// An empty toolset falls back to the globally activated function set
	// rather than the default chat's "none".
	settings.Toolset = task.Toolset
	settings.Provider = task.Provider
	settings.Model = task.Model
	settings.MemoryScope = task.MemoryScope
	settings.InjectDatetime = task.InjectDatetime
	return settings
}

// taskSettingsDelta is the shallow settings patch applied to a foreground
// target chat. Only the keys the task carries are touched.
func taskSettingsDelta(task models.Task) map[string]any {
	delta := map[string]any{
		"inject_datetime": task.InjectDatetime,
	}
	if task.Prompt != "" {
		delta["prompt"] = task.Prompt
	}
	if task.Toolset != "" {
		delta["toolset"] = task.Toolset
	}
	if task.Provider != "" {
		delta["provider"] = task.Provider
	}
	if task.Model != "" {
		delta["model"] = task.Model
	}
	if task.MemoryScope != "" {
		delta["memory_scope"] = task.MemoryScope
	}
	return delta
}

// sleepCtx sleeps in one-second chunks so shutdown stays responsive.
func sleepCtx(ctx context.Context, d time.Duration) {
	for slept := time.Duration(0); slept < d; slept += time.Second {
		chunk := time.Second
		if remaining := d - slept; remaining < chunk {
			chunk = remaining
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(chunk):
		}
	}
}

// noopPublisher drops events. Ephemeral runs must not touch the UI stream.
type noopPublisher struct{}

func (noopPublisher) Publish(models.EventKind, map[string]any) {}

// ephemeralSessions is an in-memory Sessions implementation for isolated
// runs.
type ephemeralSessions struct {
	mu       sync.Mutex
	settings models.ChatSettings
	messages []models.Message
	seq      int
}

func newEphemeralSessions(settings models.ChatSettings) *ephemeralSessions {
	return &ephemeralSessions{settings: settings}
}

func (s *ephemeralSessions) ActiveChat() string { return "ephemeral" }

func (s *ephemeralSessions) Settings() models.ChatSettings { return s.settings }

func (s *ephemeralSessions) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *ephemeralSessions) AppendMessage(msg models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	msg.Timestamp = fmt.Sprintf("%s.%06d", time.Now().Format("2006-01-02 15:04:05"), s.seq)
	s.messages = append(s.messages, msg)
	return msg, nil
}

func (s *ephemeralSessions) TurnNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, msg := range s.messages {
		if msg.Role == models.RoleUser {
			n++
		}
	}
	return n
}
