// Package events carries adapter output to the UI boundary. Adapters publish
// into a Hub; the HTTP layer subscribes and forwards over SSE. Publishing is
// fire-and-forget: a slow or absent subscriber never blocks a decode loop.
package events

import (
	"log/slog"
	"sync"

	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/telemetry"
)

// Event types emitted to the UI layer.
const (
	TypeChatMessage     = "chat-message"
	TypeAuthToken       = "auth-token-received"
	TypeTwitchUserState = "twitch-user-state"
)

// Event is the envelope delivered to subscribers. Payload is one of
// message.Message, string, or a small map, depending on Type.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Hub fans events out to subscribers. Each subscriber gets a buffered
// channel; a full buffer drops the event for that subscriber.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
	buf  int
}

// NewHub creates a hub with the given per-subscriber buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{subs: make(map[chan Event]struct{}), buf: buffer}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, h.buf)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Publish delivers the event to every subscriber without blocking. Delivery
// failure is logged and counted, never propagated.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			telemetry.IncEventsDropped()
			slog.Debug("event dropped: subscriber buffer full", slog.String("type", ev.Type))
		}
	}
}

// ChatMessage publishes a normalized chat message.
func (h *Hub) ChatMessage(m message.Message) {
	h.Publish(Event{Type: TypeChatMessage, Payload: m})
}

// Connected publishes a {platform}-connected event carrying the resolved
// platform-native identifier.
func (h *Hub) Connected(p message.Platform, resolvedID string) {
	h.Publish(Event{Type: string(p) + "-connected", Payload: resolvedID})
}

// PlatformError publishes a {platform}-error event with a human-readable
// message.
func (h *Hub) PlatformError(p message.Platform, msg string) {
	h.Publish(Event{Type: string(p) + "-error", Payload: msg})
}

// AuthToken publishes a bearer token obtained by an OAuth flow. The frontend
// decides which provider it belongs to from its own pending state.
func (h *Hub) AuthToken(token string) {
	h.Publish(Event{Type: TypeAuthToken, Payload: token})
}
