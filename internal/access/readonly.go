package access

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
)

// WebSocket message kinds that mutate dashboard state. In read-only mode
// these are dropped at the transport layer before reaching the app.
var mutatingMessageKinds = map[string]struct{}{
	"command": {},
	"action":  {},
	"write":   {},
}

type readOnlyDenial struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ReadOnlyMiddleware rejects all non-GET requests with 403 when read-only
// mode is active. WebSocket upgrade requests are exempt from the method
// check; their traffic is filtered per message instead.
func (c *Controller) ReadOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.cfg.ReadOnly || r.Method == http.MethodGet || websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		c.log.Debug("read-only mode rejected request", "method", r.Method, "path", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(readOnlyDenial{
			Error:   "read_only",
			Message: "This dashboard is shared in read-only mode; mutating requests are disabled.",
		})
	})
}

// MarkReadOnlySession records a WebSocket session id as read-only so its
// messages are filtered.
func (c *Controller) MarkReadOnlySession(sessionID string) {
	c.mu.Lock()
	c.readOnlySessions[sessionID] = struct{}{}
	c.mu.Unlock()
}

// UnmarkReadOnlySession removes a session id from the read-only set, e.g.
// when the socket closes.
func (c *Controller) UnmarkReadOnlySession(sessionID string) {
	c.mu.Lock()
	delete(c.readOnlySessions, sessionID)
	c.mu.Unlock()
}

// IsReadOnlySession reports whether the session id is tracked as read-only.
func (c *Controller) IsReadOnlySession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.readOnlySessions[sessionID]
	return ok
}

// FilterMessage enforces read-only mode on a single inbound WebSocket frame
// for the given session. Mutating message kinds are dropped outright
// (returns nil, false); everything else is passed through with a readOnly
// tag so the dashboard can adjust its UI. Frames that are not JSON objects
// are forwarded untouched: the dashboard protocol is JSON, and anything
// else is the app's own traffic.
func (c *Controller) FilterMessage(sessionID string, raw []byte) ([]byte, bool) {
	if !c.IsReadOnlySession(sessionID) {
		return raw, true
	}

	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		return raw, true
	}

	kind, _ := msg["type"].(string)
	if _, mutating := mutatingMessageKinds[kind]; mutating {
		c.log.Debug("read-only mode dropped message", "type", kind, "session", sessionID)
		return nil, false
	}

	msg["readOnly"] = true
	tagged, err := json.Marshal(msg)
	if err != nil {
		return raw, true
	}
	return tagged, true
}
