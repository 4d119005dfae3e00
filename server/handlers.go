// Package server exposes the HTTP API handlers.
package server

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/onnwee/multichat/config"
	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/kick"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	db       *sql.DB
	ctx      context.Context
	cfg      *config.Config
	hub      *events.Hub
	registry *session.Registry
	adapters map[message.Platform]session.Adapter
	kickAuth *kick.OAuth

	stateStore map[string]time.Time
	stateMu    sync.RWMutex

	// Most recently granted user token per platform, used when a join or
	// send request carries no explicit token.
	tokenMu sync.RWMutex
	tokens  map[message.Platform]string
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, db *sql.DB, cfg *config.Config, hub *events.Hub, reg *session.Registry, adapters map[message.Platform]session.Adapter, kickAuth *kick.OAuth) *Handlers {
	return &Handlers{
		db:         db,
		ctx:        ctx,
		cfg:        cfg,
		hub:        hub,
		registry:   reg,
		adapters:   adapters,
		kickAuth:   kickAuth,
		stateStore: make(map[string]time.Time),
		tokens:     make(map[message.Platform]string),
	}
}

// setPlatformToken records a granted user token for later joins and sends.
func (h *Handlers) setPlatformToken(p message.Platform, token string) {
	h.tokenMu.Lock()
	h.tokens[p] = token
	h.tokenMu.Unlock()
}

func (h *Handlers) platformToken(p message.Platform) string {
	h.tokenMu.RLock()
	defer h.tokenMu.RUnlock()
	return h.tokens[p]
}

// cleanExpiredStates removes expired OAuth states from the store.
// This should be called with stateMu locked.
func (h *Handlers) cleanExpiredStates() {
	now := time.Now()
	for state, expiry := range h.stateStore {
		if now.After(expiry) {
			delete(h.stateStore, state)
		}
	}
}

// addOAuthState adds a new OAuth state to the store with cleanup if needed.
func (h *Handlers) addOAuthState(state string, expiry time.Time) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	// Clean expired states periodically to prevent unbounded growth
	if len(h.stateStore)%100 == 0 {
		h.cleanExpiredStates()
	}

	// If we're still over the limit after cleanup, refuse to add more
	if len(h.stateStore) >= maxOAuthStates {
		// Don't add the state - this will cause the OAuth flow to fail
		// which is better than a memory exhaustion attack
		return
	}

	h.stateStore[state] = expiry
}

// takeOAuthState validates and consumes a state value. Returns false when the
// state is unknown or expired.
func (h *Handlers) takeOAuthState(state string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	exp, ok := h.stateStore[state]
	if !ok {
		return false
	}
	delete(h.stateStore, state)
	return time.Now().Before(exp)
}
