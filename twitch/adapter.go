// Package twitch connects to Twitch chat over IRC and translates the
// incoming messages into the normalized chat model.
package twitch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
	"github.com/onnwee/multichat/twitchapi"
)

// ircClient pairs a connection with how it was created. Anonymous
// (justinfan) connections can read chat but the server silently discards
// anything they say, so sends must be refused up front.
type ircClient struct {
	client *twitchirc.Client
	authed bool
}

// Adapter joins Twitch channels over IRC. One IRC client is held per joined
// channel so that leaving a channel tears down exactly its own connection.
type Adapter struct {
	Hub      *events.Hub
	Registry *session.Registry

	// Helix, when set, resolves the channel's user id at join instead of
	// waiting for the ROOMSTATE tag.
	Helix *twitchapi.HelixClient

	mu      sync.Mutex
	clients map[string]ircClient
}

// New returns an Adapter publishing into hub and recording channel state in
// reg.
func New(hub *events.Hub, reg *session.Registry) *Adapter {
	return &Adapter{Hub: hub, Registry: reg, clients: make(map[string]ircClient)}
}

// Join connects to channel's chat. With credentials the connection is
// authenticated and can send; without, an anonymous read-only connection is
// used. The connection lives until ctx is cancelled.
func (a *Adapter) Join(ctx context.Context, channel string, creds session.Credentials) error {
	ch := session.Canonical(channel)
	if ch == "" {
		return fmt.Errorf("channel empty")
	}

	authed := creds.Username != "" && creds.Token != ""
	var client *twitchirc.Client
	if authed {
		client = twitchirc.NewClient(creds.Username, normalizeIRCToken(creds.Token))
	} else {
		client = twitchirc.NewAnonymousClient()
	}

	client.OnPrivateMessage(func(m twitchirc.PrivateMessage) {
		a.Hub.ChatMessage(decodePrivate(m))
		telemetry.IncIngested(string(message.PlatformTwitch))
	})
	client.OnUserNoticeMessage(func(m twitchirc.UserNoticeMessage) {
		msg, ok := decodeUserNotice(m)
		if !ok {
			return
		}
		a.Hub.ChatMessage(msg)
		telemetry.IncIngested(string(message.PlatformTwitch))
	})
	client.OnNoticeMessage(func(m twitchirc.NoticeMessage) {
		if strings.EqualFold(strings.TrimSpace(m.Message), "login authentication failed") {
			a.Hub.PlatformError(message.PlatformTwitch, m.Message)
			telemetry.IncSessionError(string(message.PlatformTwitch), session.KindAuth.String())
			a.drop(ch)
			a.Registry.Leave(message.PlatformTwitch, ch)
		}
	})
	client.OnRoomStateMessage(func(m twitchirc.RoomStateMessage) {
		if id := m.Tags["room-id"]; id != "" {
			a.announceRoomID(ch, id)
		}
	})
	client.OnUserStateMessage(func(m twitchirc.UserStateMessage) {
		a.publishUserState(ch, m.User)
	})
	client.OnGlobalUserStateMessage(func(m twitchirc.GlobalUserStateMessage) {
		a.publishUserState(ch, m.User)
	})

	client.Join(ch)

	a.mu.Lock()
	a.clients[ch] = ircClient{client: client, authed: authed}
	a.mu.Unlock()

	if a.Helix != nil {
		go a.seedChannelID(ctx, ch)
	}

	go func() {
		<-ctx.Done()
		a.drop(ch)
		client.Disconnect()
	}()
	go func() {
		err := client.Connect()
		if err == nil || errors.Is(err, twitchirc.ErrClientDisconnected) {
			return
		}
		if errors.Is(err, twitchirc.ErrLoginAuthenticationFailed) {
			a.Hub.PlatformError(message.PlatformTwitch, "Login authentication failed")
			telemetry.IncSessionError(string(message.PlatformTwitch), session.KindAuth.String())
		} else {
			a.Hub.PlatformError(message.PlatformTwitch, err.Error())
			telemetry.IncSessionError(string(message.PlatformTwitch), session.KindTransport.String())
		}
		a.drop(ch)
		a.Registry.Leave(message.PlatformTwitch, ch)
	}()
	return nil
}

// seedChannelID resolves the channel's user id through Helix so downstream
// consumers get the id without waiting for the first ROOMSTATE tag.
func (a *Adapter) seedChannelID(ctx context.Context, ch string) {
	if a.Registry.RoomID(ctx, message.PlatformTwitch, ch) != "" {
		return
	}
	id, err := a.Helix.GetUserID(ctx, ch)
	if err != nil {
		slog.Debug("helix user id lookup failed", slog.String("channel", ch), slog.Any("err", err))
		return
	}
	a.announceRoomID(ch, id)
}

// announceRoomID caches the channel's numeric id and emits twitch-connected,
// once per distinct id.
func (a *Adapter) announceRoomID(ch, id string) {
	if a.Registry.RoomID(context.Background(), message.PlatformTwitch, ch) == id {
		return
	}
	a.Registry.SetRoomID(message.PlatformTwitch, ch, id)
	a.Hub.Connected(message.PlatformTwitch, id)
}

func (a *Adapter) publishUserState(ch string, u twitchirc.User) {
	a.Hub.Publish(events.Event{Type: events.TypeTwitchUserState, Payload: map[string]any{
		"channel": ch,
		"badges":  sortedBadges(u.Badges),
		"color":   u.Color,
	}})
}

// Leave departs the channel and closes its connection.
func (a *Adapter) Leave(ctx context.Context, channel string) error {
	ch := session.Canonical(channel)
	a.mu.Lock()
	c, ok := a.clients[ch]
	delete(a.clients, ch)
	a.mu.Unlock()
	if !ok {
		return nil
	}
	c.client.Depart(ch)
	c.client.Disconnect()
	return nil
}

// Send posts body to channel. The connection must have been joined with
// credentials: the IRC server silently drops messages from anonymous
// connections, so refusing here is the only visible failure.
func (a *Adapter) Send(ctx context.Context, channel, body string, creds session.Credentials) error {
	ch := session.Canonical(channel)
	a.mu.Lock()
	c, ok := a.clients[ch]
	a.mu.Unlock()
	if !ok {
		telemetry.IncSend(string(message.PlatformTwitch), false)
		return session.NewError(session.KindSend, message.PlatformTwitch, fmt.Errorf("not joined to %s", ch))
	}
	if !c.authed {
		telemetry.IncSend(string(message.PlatformTwitch), false)
		return session.NewError(session.KindAuth, message.PlatformTwitch, fmt.Errorf("joined %s anonymously: rejoin with credentials to send", ch))
	}
	if creds.Token == "" {
		telemetry.IncSend(string(message.PlatformTwitch), false)
		return session.NewError(session.KindAuth, message.PlatformTwitch, fmt.Errorf("sending requires an authenticated connection"))
	}
	c.client.Say(ch, body)
	telemetry.IncSend(string(message.PlatformTwitch), true)
	return nil
}

func (a *Adapter) drop(ch string) {
	a.mu.Lock()
	delete(a.clients, ch)
	a.mu.Unlock()
}

// normalizeIRCToken ensures the token carries the oauth: prefix the IRC
// server expects.
func normalizeIRCToken(tok string) string {
	if strings.HasPrefix(tok, "oauth:") {
		return tok
	}
	return "oauth:" + tok
}
