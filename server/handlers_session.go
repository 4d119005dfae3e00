package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
)

type sessionRequest struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
	Username string `json:"username,omitempty"`
	Token    string `json:"token,omitempty"`
	Message  string `json:"message,omitempty"`
}

// decodeSessionRequest parses and validates the common request shape. A nil
// return means the response has already been written.
func (h *Handlers) decodeSessionRequest(w http.ResponseWriter, r *http.Request) (*sessionRequest, session.Adapter) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return nil, nil
	}
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return nil, nil
	}
	p := message.Platform(req.Platform)
	if !p.Valid() {
		http.Error(w, "unknown platform", http.StatusBadRequest)
		return nil, nil
	}
	if session.Canonical(req.Channel) == "" {
		http.Error(w, "missing channel", http.StatusBadRequest)
		return nil, nil
	}
	adapter, ok := h.adapters[p]
	if !ok {
		http.Error(w, "platform not enabled", http.StatusBadRequest)
		return nil, nil
	}
	return &req, adapter
}

// credentials builds the Credentials for a request, falling back to the most
// recently granted platform token.
func (h *Handlers) credentials(p message.Platform, req *sessionRequest) session.Credentials {
	creds := session.Credentials{Username: req.Username, Token: req.Token}
	if creds.Token == "" {
		creds.Token = h.platformToken(p)
	}
	return creds
}

// HandleJoin starts (or restarts) a chat session for a channel.
func (h *Handlers) HandleJoin(w http.ResponseWriter, r *http.Request) {
	req, adapter := h.decodeSessionRequest(w, r)
	if req == nil {
		return
	}
	p := message.Platform(req.Platform)
	creds := h.credentials(p, req)
	h.registry.SetToken(p, req.Channel, creds.Token)

	// Begin cancels any previous session for the channel before the new
	// transport loop starts.
	ctx := h.registry.Begin(h.ctx, p, req.Channel)
	if err := adapter.Join(ctx, req.Channel, creds); err != nil {
		h.registry.Leave(p, req.Channel)
		slog.Warn("join failed", slog.String("platform", req.Platform), slog.String("channel", req.Channel), slog.Any("err", err))
		status := http.StatusBadGateway
		if session.IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	telemetry.SessionStarted(req.Platform)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":   "joined",
		"platform": req.Platform,
		"channel":  session.Canonical(req.Channel),
	})
}

// HandleLeave stops a chat session. Leaving a channel with no session is not
// an error.
func (h *Handlers) HandleLeave(w http.ResponseWriter, r *http.Request) {
	req, adapter := h.decodeSessionRequest(w, r)
	if req == nil {
		return
	}
	p := message.Platform(req.Platform)
	stopped := h.registry.Leave(p, req.Channel)
	if err := adapter.Leave(r.Context(), req.Channel); err != nil {
		slog.Warn("leave cleanup failed", slog.String("platform", req.Platform), slog.Any("err", err))
	}
	if stopped {
		telemetry.SessionEnded(req.Platform)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "left",
		"stopped": stopped,
	})
}

// HandleSend delivers one outbound chat message.
func (h *Handlers) HandleSend(w http.ResponseWriter, r *http.Request) {
	req, adapter := h.decodeSessionRequest(w, r)
	if req == nil {
		return
	}
	if req.Message == "" {
		http.Error(w, "missing message", http.StatusBadRequest)
		return
	}
	p := message.Platform(req.Platform)
	creds := h.credentials(p, req)
	if err := adapter.Send(r.Context(), req.Channel, req.Message, creds); err != nil {
		slog.Warn("send failed", slog.String("platform", req.Platform), slog.String("channel", req.Channel), slog.Any("err", err))
		status := http.StatusBadGateway
		if session.IsAuthError(err) {
			status = http.StatusUnauthorized
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "sent"})
}
