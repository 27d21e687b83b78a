package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/nbcodex-ai/nbcodex/internal/document"
	"github.com/nbcodex-ai/nbcodex/internal/engine"
	"github.com/nbcodex-ai/nbcodex/internal/protocol"
	"github.com/nbcodex-ai/nbcodex/pkg/types"
)

// DocumentRequest addresses one document's session by path.
type DocumentRequest struct {
	Path string `json:"path"`
}

// PromptRequest represents the request body for sending a prompt.
type PromptRequest struct {
	Path    string                     `json:"path"`
	Content string                     `json:"content"`
	Images  []protocol.ImageAttachment `json:"images,omitempty"`
}

// OptionsRequest represents the request body for updating per-session
// options. Empty fields keep their current value.
type OptionsRequest struct {
	Path            string `json:"path"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	Sandbox         string `json:"sandbox,omitempty"`
}

// actionError maps an engine action failure to an HTTP status and
// error code.
func actionError(err error) (int, string) {
	switch {
	case errors.Is(err, engine.ErrRunActive):
		return http.StatusConflict, ErrCodeRunActive
	case errors.Is(err, engine.ErrNotPaired):
		return http.StatusConflict, ErrCodeNotPaired
	case errors.Is(err, engine.ErrNotDelivered):
		return http.StatusBadGateway, ErrCodeBackendUnavailable
	case errors.Is(err, engine.ErrUnknownSession):
		return http.StatusNotFound, ErrCodeNotFound
	default:
		return http.StatusBadRequest, ErrCodeInvalidRequest
	}
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	snap := s.registry.Snapshot()

	// Stable order, and an empty array [] instead of null
	sessions := make([]*types.Session, 0, len(snap))
	for _, sess := range snap {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key < sessions[j].Key })

	writeJSON(w, http.StatusOK, sessions)
}

// getSession handles GET /session/status
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	key := document.SessionKey(r.URL.Query().Get("path"))
	if key == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path required")
		return
	}

	sess, ok := s.registry.ForPath(key)
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// openDocument handles POST /session/open
func (s *Server) openDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	sess, err := s.dispatcher.OpenDocument(r.Context(), req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, sess)
}

// sendPrompt handles POST /session/prompt
func (s *Server) sendPrompt(w http.ResponseWriter, r *http.Request) {
	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	err := s.dispatcher.SendPrompt(r.Context(), engine.SendRequest{
		Path:    req.Path,
		Content: req.Content,
		Images:  req.Images,
	})
	if err != nil {
		status, code := actionError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeSuccess(w)
}

// cancelRun handles POST /session/cancel
func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	if err := s.dispatcher.CancelRun(req.Path); err != nil {
		status, code := actionError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeSuccess(w)
}

// setForeground handles POST /session/foreground
func (s *Server) setForeground(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if document.SessionKey(req.Path) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path required")
		return
	}

	s.dispatcher.SetForeground(req.Path)
	writeSuccess(w)
}

// setOptions handles PATCH /session/options
func (s *Server) setOptions(w http.ResponseWriter, r *http.Request) {
	var req OptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	err := s.dispatcher.SetOptions(req.Path, types.Options{
		Model:           req.Model,
		ReasoningEffort: req.ReasoningEffort,
		Sandbox:         req.Sandbox,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	sess, ok := s.registry.ForPath(document.SessionKey(req.Path))
	if !ok {
		writeSuccess(w)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// newThread handles POST /session/thread
func (s *Server) newThread(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	threadID, err := s.dispatcher.NewThread(r.Context(), req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"threadID": threadID})
}

// deleteThread handles DELETE /session/thread
func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if document.SessionKey(path) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path required")
		return
	}

	threadID, err := s.dispatcher.DeleteThread(r.Context(), path)
	if err != nil {
		status, code := actionError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"threadID": threadID})
}

// closeDocument handles POST /session/close
func (s *Server) closeDocument(w http.ResponseWriter, r *http.Request) {
	var req DocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if document.SessionKey(req.Path) == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "path required")
		return
	}

	s.dispatcher.CloseDocument(req.Path)
	writeSuccess(w)
}

// deleteAllSessions handles DELETE /session
func (s *Server) deleteAllSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.DeleteAll(r.Context()); err != nil {
		status, code := actionError(err)
		// The request stays queued and is retried on reconnect.
		writeErrorWithDetails(w, status, code, err.Error(), map[string]any{"pending": true})
		return
	}

	writeSuccess(w)
}
