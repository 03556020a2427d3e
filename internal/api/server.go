// Package api exposes the HTTP facade: chat, history, chats, abilities,
// continuity tasks, the SSE event stream and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/internal/continuity"
	"github.com/sapphirehost/sapphire/internal/events"
	"github.com/sapphirehost/sapphire/internal/privacy"
	"github.com/sapphirehost/sapphire/internal/sessions"
	"github.com/sapphirehost/sapphire/internal/state"
	"github.com/sapphirehost/sapphire/internal/store"
	"github.com/sapphirehost/sapphire/internal/tools"
)

// Chat is the orchestrator surface the HTTP layer uses.
type Chat interface {
	StreamTurn(ctx context.Context, req agent.TurnRequest) (<-chan agent.StreamEvent, error)
	Cancel()
}

// Server wires the HTTP routes over the core components.
type Server struct {
	manager   *sessions.Manager
	chat      Chat
	registry  *tools.Registry
	engine    *state.Engine
	bus       *events.Bus
	scheduler *continuity.Scheduler
	tasks     *continuity.Store
	gate      *privacy.Gate
	prompts   *store.Prompts
	apiKey    string
	logger    *slog.Logger
}

// Options carries the Server dependencies. Engine, scheduler and tasks may
// be nil when the matching feature is disabled; their routes then 404.
type Options struct {
	Manager   *sessions.Manager
	Chat      Chat
	Registry  *tools.Registry
	Engine    *state.Engine
	Bus       *events.Bus
	Scheduler *continuity.Scheduler
	Tasks     *continuity.Store
	Gate      *privacy.Gate
	Prompts   *store.Prompts
	APIKey    string
	Logger    *slog.Logger
}

// NewServer builds the facade.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:   opts.Manager,
		chat:      opts.Chat,
		registry:  opts.Registry,
		engine:    opts.Engine,
		bus:       opts.Bus,
		scheduler: opts.Scheduler,
		tasks:     opts.Tasks,
		gate:      opts.Gate,
		prompts:   opts.Prompts,
		apiKey:    opts.APIKey,
		logger:    logger.With("component", "api"),
	}
}

// Handler returns the routed HTTP handler with auth applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("POST /chat/stream", s.handleChatStream)
	mux.HandleFunc("POST /cancel", s.handleCancel)

	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /history/raw", s.handleHistoryRaw)
	mux.HandleFunc("DELETE /history/messages", s.handleDeleteMessages)
	mux.HandleFunc("POST /history/messages/remove-from-assistant", s.handleRemoveFromAssistant)
	mux.HandleFunc("POST /history/messages/edit", s.handleEditMessage)

	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("POST /chats", s.handleCreateChat)
	mux.HandleFunc("DELETE /chats/{name}", s.handleDeleteChat)
	mux.HandleFunc("POST /chats/{name}/activate", s.handleActivateChat)
	mux.HandleFunc("GET /chats/{name}/settings", s.handleGetChatSettings)
	mux.HandleFunc("PUT /chats/{name}/settings", s.handlePutChatSettings)

	mux.HandleFunc("GET /abilities", s.handleListAbilities)
	mux.HandleFunc("POST /abilities/custom", s.handleCreateAbility)
	mux.HandleFunc("POST /abilities/{name}/activate", s.handleActivateAbility)
	mux.HandleFunc("DELETE /abilities/{name}", s.handleDeleteAbility)

	mux.HandleFunc("GET /functions", s.handleListFunctions)
	mux.HandleFunc("POST /functions/enable", s.handleEnableFunctions)

	mux.HandleFunc("GET /tasks", s.handleListTasks)
	mux.HandleFunc("POST /tasks", s.handleCreateTask)
	mux.HandleFunc("PUT /tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /tasks/{id}/run", s.handleRunTask)

	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /activity", s.handleActivity)
	mux.HandleFunc("GET /timeline", s.handleTimeline)

	mux.HandleFunc("GET /privacy", s.handleGetPrivacy)
	mux.HandleFunc("POST /privacy", s.handleSetPrivacy)

	mux.HandleFunc("GET /events", s.handleEvents)

	return s.requireAPIKey(mux)
}

// requireAPIKey guards every route except the probe endpoints. SSE clients
// may pass the key as a query parameter since EventSource cannot set
// headers.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" || r.URL.Path == "/ping" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = r.URL.Query().Get("api_key")
		}
		if key != s.apiKey {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeStoreError maps sentinel errors to status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sessions.ErrChatNotFound),
		errors.Is(err, sessions.ErrMessageNotFound),
		errors.Is(err, continuity.ErrTaskNotFound),
		errors.Is(err, tools.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessions.ErrChatExists),
		errors.Is(err, continuity.ErrTaskExists),
		errors.Is(err, tools.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func trimName(raw string) string {
	return strings.TrimSpace(raw)
}
