package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/lukasbauer/voiceassist/internal/command"
	"github.com/lukasbauer/voiceassist/internal/eventlog"
)

type resolveRequest struct {
	Text string `json:"text"`
}

// handleResolveCommand previews what a message would do without executing it.
func (r *Router) handleResolveCommand(w http.ResponseWriter, req *http.Request) {
	var body resolveRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}

	text := strings.ToLower(strings.TrimSpace(body.Text))
	if text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}

	action, err := r.rules.Resolve(text)
	if errors.Is(err, command.ErrNoMatch) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "no rule matches"})
		return
	}
	if err != nil {
		r.logger.Errorf("api: resolve %q: %v", text, err)
		captureError(req, err, "api: resolve command")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to resolve command"})
		return
	}

	writeJSON(w, http.StatusOK, action)
}

type ruleSummary struct {
	Name     string `json:"name"`
	Fallback bool   `json:"fallback,omitempty"`
}

type rulesResponse struct {
	QuickTriggers []string      `json:"quick_triggers"`
	Rules         []ruleSummary `json:"rules"`
}

func (r *Router) handleListRules(w http.ResponseWriter, _ *http.Request) {
	rs := r.rules.Current()
	resp := rulesResponse{
		QuickTriggers: rs.QuickTriggers,
		Rules:         make([]ruleSummary, 0, len(rs.Rules)),
	}
	for _, rule := range rs.Rules {
		resp.Rules = append(resp.Rules, ruleSummary{Name: rule.Name, Fallback: rule.Fallback})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionEvents returns the audit trail of one session.
func (r *Router) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	sessionID := req.PathValue("id")
	if sessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session id is required"})
		return
	}

	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	events, err := r.eventLog.List(req.Context(), sessionID, limit)
	if err != nil {
		r.logger.Errorf("api: list events for %s: %v", sessionID, err)
		captureError(req, err, "api: list session events")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "events": events})
}
