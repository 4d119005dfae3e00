// Package session tracks live adapter sessions: one entry per joined channel
// holding the resolved platform identifiers, the bearer credential, and the
// cancellation handle for the session's decode loop. The registry is an
// explicit dependency passed to adapters, not a process-wide singleton.
package session

import (
	"context"
	"strings"
	"sync"

	"github.com/onnwee/multichat/message"
)

// Credentials carries an optional authenticated identity for a session.
// Tokens are copied by value; the registry never hands out a mutable
// reference to a stored credential.
type Credentials struct {
	Username string
	Token    string
}

// Adapter is the capability surface every platform implements. Join resolves
// the channel, spawns the session's decode loop, and returns; failures after
// the spawn surface as events. Leave stops a session if one exists and is a
// no-op otherwise. Send delivers one outbound message synchronously.
type Adapter interface {
	Join(ctx context.Context, channel string, creds Credentials) error
	Leave(ctx context.Context, channel string) error
	Send(ctx context.Context, channel, body string, creds Credentials) error
}

// Store is the persistent identifier cache behind the registry. A nil Store
// disables persistence; the in-memory cache still works.
type Store interface {
	GetChannelIDs(ctx context.Context, platform, channel string) (chatroomID, broadcasterID int64, roomID string, err error)
	UpsertChannelIDs(ctx context.Context, platform, channel string, chatroomID, broadcasterID int64, roomID string) error
}

type entry struct {
	chatroomID    int64
	broadcasterID int64
	roomID        string
	liveChatID    string
	token         string
	cancel        context.CancelFunc
}

// Registry maps platform+channel to session state. All accessors hold the
// lock only for the duration of a single map operation; no lock is held
// across I/O.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	store   Store
}

// New creates an empty registry. store may be nil.
func New(store Store) *Registry {
	return &Registry{entries: make(map[string]*entry), store: store}
}

// Canonical normalizes a caller-entered channel identifier: trimmed,
// lowercased, leading '#' stripped.
func Canonical(channel string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(channel), "#"))
}

func key(p message.Platform, channel string) string {
	return string(p) + ":" + Canonical(channel)
}

func (r *Registry) get(p message.Platform, channel string) *entry {
	k := key(p, channel)
	e, ok := r.entries[k]
	if !ok {
		e = &entry{}
		r.entries[k] = e
	}
	return e
}

// Begin registers a new session and returns its cancellable context. If a
// previous session exists for the same channel its cancellation handle is
// taken and fired first, so at most one live transport loop exists per
// channel.
func (r *Registry) Begin(parent context.Context, p message.Platform, channel string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	r.mu.Lock()
	e := r.get(p, channel)
	old := e.cancel
	e.cancel = cancel
	r.mu.Unlock()
	if old != nil {
		old()
	}
	return ctx
}

// Leave takes (consumes) the session's cancellation handle and fires it.
// Returns false without signalling anything when no session is registered.
func (r *Registry) Leave(p message.Platform, channel string) bool {
	r.mu.Lock()
	e, ok := r.entries[key(p, channel)]
	var cancel context.CancelFunc
	if ok {
		cancel = e.cancel
		e.cancel = nil
	}
	r.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Active reports whether a session currently holds a cancellation handle.
func (r *Registry) Active(p message.Platform, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(p, channel)]
	return ok && e.cancel != nil
}

// Remove drops the registry entry entirely. Called after a session's loop
// has exited on an unrecoverable error.
func (r *Registry) Remove(p message.Platform, channel string) {
	r.mu.Lock()
	delete(r.entries, key(p, channel))
	r.mu.Unlock()
}

// SetToken stores a bearer credential for the channel.
func (r *Registry) SetToken(p message.Platform, channel, token string) {
	r.mu.Lock()
	r.get(p, channel).token = token
	r.mu.Unlock()
}

// Token returns a copy of the stored bearer credential, if any.
func (r *Registry) Token(p message.Platform, channel string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(p, channel)]
	if !ok {
		return ""
	}
	return e.token
}

// SetRoomID caches the Twitch room id reported by RoomState.
func (r *Registry) SetRoomID(p message.Platform, channel, roomID string) {
	r.mu.Lock()
	r.get(p, channel).roomID = roomID
	r.mu.Unlock()
	r.persist(p, channel)
}

// RoomID returns the cached Twitch room id, consulting the persistent store
// when the in-memory cache is cold.
func (r *Registry) RoomID(ctx context.Context, p message.Platform, channel string) string {
	r.mu.Lock()
	e, ok := r.entries[key(p, channel)]
	if ok && e.roomID != "" {
		id := e.roomID
		r.mu.Unlock()
		return id
	}
	r.mu.Unlock()
	if r.store == nil {
		return ""
	}
	_, _, roomID, err := r.store.GetChannelIDs(ctx, string(p), Canonical(channel))
	if err != nil || roomID == "" {
		return ""
	}
	r.mu.Lock()
	r.get(p, channel).roomID = roomID
	r.mu.Unlock()
	return roomID
}

// SetKickIDs caches the resolved Kick chatroom and broadcaster ids.
func (r *Registry) SetKickIDs(channel string, chatroomID, broadcasterID int64) {
	r.mu.Lock()
	e := r.get(message.PlatformKick, channel)
	e.chatroomID = chatroomID
	e.broadcasterID = broadcasterID
	r.mu.Unlock()
	r.persist(message.PlatformKick, channel)
}

// KickIDs returns cached (chatroom, broadcaster) ids, read-through to the
// persistent store. Zero values mean unresolved.
func (r *Registry) KickIDs(ctx context.Context, channel string) (int64, int64) {
	r.mu.Lock()
	e, ok := r.entries[key(message.PlatformKick, channel)]
	if ok && e.chatroomID != 0 && e.broadcasterID != 0 {
		c, b := e.chatroomID, e.broadcasterID
		r.mu.Unlock()
		return c, b
	}
	r.mu.Unlock()
	if r.store == nil {
		return 0, 0
	}
	c, b, _, err := r.store.GetChannelIDs(ctx, string(message.PlatformKick), Canonical(channel))
	if err != nil || c == 0 {
		return 0, 0
	}
	r.mu.Lock()
	e = r.get(message.PlatformKick, channel)
	e.chatroomID = c
	e.broadcasterID = b
	r.mu.Unlock()
	return c, b
}

// SetLiveChatID caches the YouTube active live-chat id (resolved lazily on
// first send, not at join).
func (r *Registry) SetLiveChatID(channel, liveChatID string) {
	r.mu.Lock()
	r.get(message.PlatformYouTube, channel).liveChatID = liveChatID
	r.mu.Unlock()
}

// LiveChatID returns the cached live-chat id or empty.
func (r *Registry) LiveChatID(channel string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key(message.PlatformYouTube, channel)]
	if !ok {
		return ""
	}
	return e.liveChatID
}

// persist writes the current ids for a channel to the store, best-effort.
func (r *Registry) persist(p message.Platform, channel string) {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[key(p, channel)]
	if !ok {
		r.mu.Unlock()
		return
	}
	chatroom, broadcaster, roomID := e.chatroomID, e.broadcasterID, e.roomID
	r.mu.Unlock()
	// Persistence failures are non-fatal; the ids can be re-resolved.
	_ = r.store.UpsertChannelIDs(context.Background(), string(p), Canonical(channel), chatroom, broadcaster, roomID)
}
