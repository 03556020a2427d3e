package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/sapphirehost/sapphire/internal/agent"
	"github.com/sapphirehost/sapphire/pkg/models"
)

type chatRequest struct {
	Text            string `json:"text"`
	Prefill         string `json:"prefill"`
	SkipUserMessage bool   `json:"skip_user_message"`
}

// handleChat runs a full turn and returns the concatenated reply.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" && !req.SkipUserMessage {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	stream, err := s.chat.StreamTurn(r.Context(), agent.TurnRequest{
		Text:            req.Text,
		Prefill:         req.Prefill,
		SkipUserMessage: req.SkipUserMessage,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	var reply strings.Builder
	for ev := range stream {
		switch {
		case ev.Err != nil:
			writeError(w, http.StatusBadGateway, ev.Err.Error())
			return
		case ev.Cancelled:
			writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
			return
		default:
			reply.WriteString(ev.Chunk)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": reply.String()})
}

// handleChatStream streams the turn as SSE data lines of JSON.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" && !req.SkipUserMessage {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := s.chat.StreamTurn(r.Context(), agent.TurnRequest{
		Text:            req.Text,
		Prefill:         req.Prefill,
		SkipUserMessage: req.SkipUserMessage,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for ev := range stream {
		var payload map[string]any
		switch {
		case ev.Err != nil:
			payload = map[string]any{"error": ev.Err.Error()}
		case ev.Cancelled:
			payload = map[string]any{"cancelled": true}
		case ev.Done:
			payload = map[string]any{"done": true, "ephemeral": ev.Ephemeral}
		default:
			payload = map[string]any{"chunk": ev.Chunk}
		}
		writeSSE(w, payload)
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.chat.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{"cancelled": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chat":   s.manager.ActiveChat(),
		"blocks": s.manager.DisplayBlocks(),
	})
}

func (s *Server) handleHistoryRaw(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"chat":     s.manager.ActiveChat(),
		"messages": s.manager.Messages(),
	})
}

// handleDeleteMessages removes the last N messages (count=-1 clears all) or,
// with from_user_message, everything from that user message on.
func (s *Server) handleDeleteMessages(w http.ResponseWriter, r *http.Request) {
	if text := trimName(r.URL.Query().Get("from_user_message")); text != "" {
		if err := s.manager.RemoveFromUserMessage(text); err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.publishHistoryChanged()
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
		return
	}

	raw := r.URL.Query().Get("count")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "count is required")
		return
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "count must be an integer")
		return
	}
	if count == -1 {
		if err := s.manager.ClearMessages(); err != nil {
			s.writeStoreError(w, err)
			return
		}
		s.bus.Publish(models.EventChatCleared, map[string]any{"chat": s.manager.ActiveChat()})
		writeJSON(w, http.StatusOK, map[string]any{"removed": true})
		return
	}
	if count <= 0 {
		writeError(w, http.StatusBadRequest, "count must be positive or -1")
		return
	}
	if err := s.manager.RemoveLastMessages(count); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publishHistoryChanged()
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleRemoveFromAssistant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Timestamp string `json:"timestamp"`
		// LastInTurn prunes only the matched assistant message and its tool
		// follow-ups, keeping later user messages.
		LastInTurn bool `json:"last_in_turn"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Timestamp == "" {
		writeError(w, http.StatusBadRequest, "timestamp is required")
		return
	}
	remove := s.manager.RemoveFromAssistantTimestamp
	if req.LastInTurn {
		remove = s.manager.RemoveLastAssistantInTurn
	}
	if err := remove(req.Timestamp); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.publishHistoryChanged()
	writeJSON(w, http.StatusOK, map[string]any{"removed": true})
}

func (s *Server) handleEditMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role       string `json:"role"`
		Timestamp  string `json:"timestamp"`
		NewContent string `json:"new_content"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Role == "" || req.Timestamp == "" {
		writeError(w, http.StatusBadRequest, "role and timestamp are required")
		return
	}
	if err := s.manager.EditMessageByTimestamp(models.Role(req.Role), req.Timestamp, req.NewContent); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"edited": true})
}

func (s *Server) publishHistoryChanged() {
	s.bus.Publish(models.EventMessageRemoved, map[string]any{"chat": s.manager.ActiveChat()})
}
