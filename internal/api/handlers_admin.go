package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sapphirehost/sapphire/internal/sessions"
	"github.com/sapphirehost/sapphire/internal/tools"
	"github.com/sapphirehost/sapphire/pkg/models"
)

func (s *Server) handleListChats(w http.ResponseWriter, _ *http.Request) {
	names, err := s.manager.ListChats()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"chats":  names,
		"active": s.manager.ActiveChat(),
	})
}

func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name, err := s.manager.CreateChat(req.Name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": name})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	// Chats live under sanitized names; the path variant must compare the
	// same way or deleting the active chat by a variant spelling would skip
	// the switch to default.
	name := sessions.SanitizeName(r.PathValue("name"))
	wasActive := s.manager.ActiveChat() == name
	if err := s.manager.DeleteChat(name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if wasActive {
		s.bus.Publish(models.EventChatSwitched, map[string]any{"chat": s.manager.ActiveChat()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleActivateChat(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.manager.SetActiveChat(name); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.bus.Publish(models.EventChatSwitched, map[string]any{"chat": s.manager.ActiveChat()})
	writeJSON(w, http.StatusOK, map[string]any{"active": s.manager.ActiveChat()})
}

func (s *Server) handleGetChatSettings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.manager.ChatExists(name) {
		writeError(w, http.StatusNotFound, "chat not found: "+name)
		return
	}
	// Settings reads go through the active chat; switch temporarily only
	// when a different chat is asked for.
	if name == s.manager.ActiveChat() {
		writeJSON(w, http.StatusOK, s.manager.Settings())
		return
	}
	settings, err := s.manager.ChatSettings(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutChatSettings(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.manager.ChatExists(name) {
		writeError(w, http.StatusNotFound, "chat not found: "+name)
		return
	}
	delta, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !json.Valid(delta) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	settings, err := s.manager.UpdateNamedChatSettings(name, delta)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	// PrivacyRequired comes from the prompt, never from the caller.
	if s.prompts != nil {
		settings.PrivacyRequired = s.prompts.PrivacyRequired(settings.Prompt)
	}
	s.bus.Publish(models.EventPromptChanged, map[string]any{"chat": name})
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleListAbilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"abilities": s.registry.Abilities(),
		"enabled":   s.registry.EnabledNames(),
	})
}

func (s *Server) handleActivateAbility(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	functions, err := s.registry.ToolsetFunctions(name)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.registry.UpdateEnabled(functions, tools.ModeMonolith); err != nil {
		s.writeStoreError(w, err)
		return
	}
	if _, err := s.manager.UpdateChatSettings(json.RawMessage(`{"toolset":` + mustJSON(name) + `}`)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.bus.Publish(models.EventAbilityChanged, map[string]any{"toolset": name})
	writeJSON(w, http.StatusOK, map[string]any{
		"toolset": name,
		"enabled": s.registry.EnabledNames(),
	})
}

func (s *Server) handleCreateAbility(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string   `json:"name"`
		Functions []string `json:"functions"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.registry.SaveToolset(req.Name, req.Functions); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": req.Name})
}

func (s *Server) handleDeleteAbility(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.DeleteToolset(r.PathValue("name")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleListFunctions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"functions": s.registry.Functions(),
		"enabled":   s.registry.EnabledNames(),
		"network":   s.registry.NetworkFunctions(),
	})
}

func (s *Server) handleEnableFunctions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Functions []string `json:"functions"`
		Mode      string   `json:"mode"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	mode := tools.ModeMonolith
	if req.Mode != "" {
		mode = tools.Mode(req.Mode)
		if mode != tools.ModeMonolith && mode != tools.ModeAssembled {
			writeError(w, http.StatusBadRequest, "mode must be monolith or assembled")
			return
		}
	}
	if err := s.registry.UpdateEnabled(req.Functions, mode); err != nil {
		s.writeStoreError(w, err)
		return
	}
	// A pinned function list replaces the chat's ability selection; clearing
	// the toolset setting keeps the pin from being shadowed next turn.
	if _, err := s.manager.UpdateChatSettings(json.RawMessage(`{"toolset":""}`)); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.bus.Publish(models.EventAbilityChanged, map[string]any{"functions": s.registry.EnabledNames()})
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.registry.EnabledNames()})
}

func (s *Server) handleGetPrivacy(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.gate.Enabled()})
}

func (s *Server) handleSetPrivacy(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.gate.SetEnabled(req.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.gate.Enabled()})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return `""`
	}
	return string(data)
}
