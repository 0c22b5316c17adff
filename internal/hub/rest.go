package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agent-relay/relayd/internal/session"
)

// Handler builds the full HTTP surface: the WebSocket endpoint, the
// REST API, the hook ingress, and the operational endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)

	mux.HandleFunc("POST /sessions", s.auth(s.handleCreateSession))
	mux.HandleFunc("GET /sessions", s.auth(s.handleListSessions))
	mux.HandleFunc("GET /sessions/{id}", s.auth(s.handleGetSession))
	mux.HandleFunc("DELETE /sessions/{id}", s.auth(s.handleDeleteSession))
	mux.HandleFunc("POST /sessions/{id}/prompt", s.auth(s.handleSendPrompt))
	mux.HandleFunc("POST /sessions/{id}/cancel", s.auth(s.handleCancel))
	mux.HandleFunc("POST /sessions/{id}/restart", s.auth(s.handleRestart))
	mux.HandleFunc("POST /sessions/{id}/rename", s.auth(s.handleRename))
	mux.HandleFunc("POST /sessions/{id}/link", s.auth(s.handleLink))
	mux.HandleFunc("POST /sessions/{id}/permission", s.auth(s.handlePermission))

	// Hook ingress is unauthenticated by design: agent processes post
	// here from the local machine and must never block on auth setup.
	mux.HandleFunc("POST /hooks/ingest", s.handleIngest)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.auth(s.handleStatus))
	mux.Handle("GET /metrics", promhttp.Handler())

	return mux
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorized(r) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

type createSessionRequest struct {
	Name    string `json:"name"`
	WorkDir string `json:"work_dir"`
	Resume  bool   `json:"resume,omitempty"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	sess, err := s.ctrl.Create(req.Name, req.WorkDir, req.Resume)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.ctrl.List()
	if r.URL.Query().Get("all") == "true" {
		sessions = s.ctrl.ListAll()
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Get(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Delete(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendPrompt(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.ctrl.SendPrompt(r.PathValue("id"), req.Text); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Cancel(r.PathValue("id")); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	sess, err := s.ctrl.Restart(r.PathValue("id"))
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	sess, err := s.ctrl.Rename(r.PathValue("id"), req.Name)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ExternalID string `json:"external_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ExternalID == "" {
		writeError(w, http.StatusBadRequest, "external_id is required")
		return
	}
	if err := s.ctrl.Link(r.PathValue("id"), req.ExternalID); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Choice string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Choice == "" {
		writeError(w, http.StatusBadRequest, "choice is required")
		return
	}
	if err := s.ctrl.AnswerPermission(r.PathValue("id"), req.Choice); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleIngest accepts raw hook payloads from agent processes. It always
// returns 200 so a misconfigured hook never breaks the agent's own flow.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	ev := s.ctrl.IngestHook(raw)
	if s.met != nil {
		s.met.HooksReceived.WithLabelValues(string(ev.Kind)).Inc()
	}
	if ev.Kind == session.EventUnclassified {
		// Classification failed, so no scheduled event will follow.
		// Subscribers still get the raw payload.
		s.BroadcastHook(ev)
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Sessions int `json:"sessions"`
	Clients  int `json:"clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Sessions: len(s.ctrl.ListAll()),
		Clients:  s.ClientCount(),
	})
}

// writeAPIError maps domain errors onto HTTP status codes.
func writeAPIError(w http.ResponseWriter, err error) {
	var perr *session.ProcessError
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNotOffline), errors.Is(err, session.ErrOffline):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrNameInvalid), errors.Is(err, session.ErrDirectoryInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrTimeout), errors.As(err, &perr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
