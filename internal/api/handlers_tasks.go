package api

import (
	"net/http"
	"strconv"

	"github.com/sapphirehost/sapphire/pkg/models"
)

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.tasks.Tasks()})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	var task models.Task
	if err := decodeBody(r, &task); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	created, err := s.tasks.AddTask(task)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	var task models.Task
	if err := decodeBody(r, &task); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task.ID = r.PathValue("id")
	if err := s.tasks.UpdateTask(task); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	if err := s.tasks.DeleteTask(r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	if err := s.scheduler.RunNow(r.Context(), r.PathValue("id")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ran": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"active_chat":           s.manager.ActiveChat(),
		"privacy_mode":          s.gate.Enabled(),
		"network_tools_enabled": s.registry.HasNetworkToolsEnabled(),
		"subscribers":           s.bus.SubscriberCount(),
	}
	if s.scheduler != nil {
		status["scheduler_running"] = s.scheduler.Running()
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleActivity(w http.ResponseWriter, _ *http.Request) {
	if s.tasks == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": s.tasks.Activity()})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeError(w, http.StatusNotFound, "continuity is disabled")
		return
	}
	hours := 0
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "hours must be an integer")
			return
		}
		hours = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"timeline": s.scheduler.Timeline(hours)})
}
