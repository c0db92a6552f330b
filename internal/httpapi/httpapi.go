// Package httpapi exposes the long-polling HTTP surface: GET /ws/poll
// drains a session buffer, POST /ws/send injects a message from the
// HTTP side.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/softadastra/chatcore/internal/longpoll"
	"github.com/softadastra/chatcore/internal/protocol"
)

const (
	defaultPollMax = 50
	maxSendBody    = 1 << 20
)

// Handler serves the long-polling routes over a bridge. A nil bridge
// answers 503 on every route.
type Handler struct {
	bridge *longpoll.Bridge
	logger zerolog.Logger
}

func New(bridge *longpoll.Bridge, logger zerolog.Logger) *Handler {
	return &Handler{bridge: bridge, logger: logger}
}

// Register installs the routes on mux.
func (h *Handler) Register(mux interface {
	Handle(pattern string, handler http.Handler)
}) {
	mux.Handle("/ws/poll", http.HandlerFunc(h.HandlePoll))
	mux.Handle("/ws/send", http.HandlerFunc(h.HandleSend))
}

// HandlePoll serves GET /ws/poll?session_id=<sid>&max=<n>.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sid := r.URL.Query().Get("session_id")
	if sid == "" {
		writeError(w, http.StatusBadRequest, "missing session_id")
		return
	}
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "long-polling bridge not attached")
		return
	}

	max := defaultPollMax
	if raw := r.URL.Query().Get("max"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			max = n
		}
	}

	msgs := h.bridge.Poll(sid, max, true)
	out := make([]string, len(msgs))
	for i, env := range msgs {
		out[i] = protocol.Serialize(env)
	}

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "[%s]", strings.Join(out, ","))
}

// HandleSend serves POST /ws/send. The body is an envelope with an
// optional session_id; when omitted the target buffer is resolved from
// the room.
func (h *Handler) HandleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.bridge == nil {
		writeError(w, http.StatusServiceUnavailable, "long-polling bridge not attached")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	env, ok := protocol.Parse(string(body))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid message: body must be JSON with a non-empty type")
		return
	}

	sid := extractSessionID(body)
	if sid == "" {
		sid = longpoll.DefaultSessionID(env)
	}

	h.bridge.SendFromHTTP(sid, env)
	h.logger.Debug().Str("session_id", sid).Str("type", env.Type).Msg("message queued from http")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	resp, _ := json.Marshal(map[string]string{"status": "queued", "session_id": sid})
	_, _ = w.Write(resp)
}

func extractSessionID(body []byte) string {
	var probe struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.SessionID
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	resp, _ := json.Marshal(map[string]string{"error": msg})
	_, _ = w.Write(resp)
}
