package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/conductor/internal/permission"
	"github.com/haasonsaas/conductor/internal/sessions"
)

// eventSessionID returns the session an event payload belongs to, or "" for
// global events such as mcp.tools.changed.
func eventSessionID(payload any) string {
	switch p := payload.(type) {
	case sessions.Info:
		return p.Info.ID
	case sessions.StatusEvent:
		return p.SessionID
	case sessions.ErrorEvent:
		return p.SessionID
	case sessions.MessageEvent:
		return p.Info.SessionID
	case sessions.PartEvent:
		return p.Part.SessionID
	case sessions.MessageRemoved:
		return p.SessionID
	case permission.Request:
		return p.SessionID
	case permission.Replied:
		return p.SessionID
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
