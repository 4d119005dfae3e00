package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/onnwee/multichat/message"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		if err := h.db.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
		{"adapters", func() error {
			if len(h.adapters) == 0 {
				return fmt.Errorf("no platform adapters registered")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HandleStatus reports the enabled platforms and whether each holds a granted
// user token. Tokens themselves are never returned.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	platforms := make(map[string]map[string]any, len(h.adapters))
	for p := range h.adapters {
		platforms[string(p)] = map[string]any{
			"enabled":       true,
			"authenticated": h.platformToken(p) != "",
		}
	}
	for _, p := range []message.Platform{message.PlatformTwitch, message.PlatformYouTube, message.PlatformKick} {
		if _, ok := platforms[string(p)]; !ok {
			platforms[string(p)] = map[string]any{"enabled": false}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"platforms": platforms})
}
