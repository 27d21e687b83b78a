package server

import (
	"encoding/json"
	"net/http"

	"github.com/nbcodex-ai/nbcodex/internal/logging"
	"github.com/nbcodex-ai/nbcodex/internal/transport"
)

// LogRequest represents the request body for forwarding a UI log line.
type LogRequest struct {
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// getBackendState handles GET /backend/state
func (s *Server) getBackendState(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeBackendUnavailable, "No backend transport configured")
		return
	}

	state := s.backend.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"state":     state,
		"connected": state == transport.StateConnected,
	})
}

// getDefaults handles GET /backend/defaults
func (s *Server) getDefaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Defaults())
}

// getLimits handles GET /backend/limits
func (s *Server) getLimits(w http.ResponseWriter, r *http.Request) {
	limits, ok := s.dispatcher.RateLimits()
	if !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "No usage snapshot yet")
		return
	}

	writeJSON(w, http.StatusOK, limits)
}

// refreshLimits handles POST /backend/limits/refresh
func (s *Server) refreshLimits(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.RefreshLimits(); err != nil {
		status, code := actionError(err)
		writeError(w, status, code, err.Error())
		return
	}

	writeSuccess(w)
}

// writeLog handles POST /log. The editor UI has no console of its own;
// forwarded lines land in the bridge log.
func (s *Server) writeLog(w http.ResponseWriter, r *http.Request) {
	var req LogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	evt := logging.Info()
	switch req.Level {
	case "debug":
		evt = logging.Debug()
	case "warn":
		evt = logging.Warn()
	case "error":
		evt = logging.Error()
	}
	evt.Str("source", "ui").Msg(req.Message)

	writeSuccess(w)
}
