package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
)

const chatMessageEvent = `App\Events\ChatMessageEvent`

// Adapter joins Kick channels by subscribing to their Pusher chatroom.
// Sending goes through the public REST API, so the websocket carries reads
// only and the read loop is the sole writer (pong replies included).
type Adapter struct {
	Hub      *events.Hub
	Registry *session.Registry

	PusherKey     string
	PusherCluster string

	// Overridable in tests.
	ChannelAPIBase string
	SendAPIBase    string
	WSURL          string
	HTTPClient     *http.Client
}

// New returns an Adapter using the given Pusher application key and cluster.
func New(hub *events.Hub, reg *session.Registry, pusherKey, cluster string) *Adapter {
	return &Adapter{Hub: hub, Registry: reg, PusherKey: pusherKey, PusherCluster: cluster}
}

func (a *Adapter) http() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (a *Adapter) wsURL() string {
	if a.WSURL != "" {
		return a.WSURL
	}
	return fmt.Sprintf("wss://ws-%s.pusher.com/app/%s?protocol=7&client=js&version=8.4.0-rc2&flash=false",
		a.PusherCluster, a.PusherKey)
}

// Join resolves the channel slug, connects to Pusher, and subscribes to the
// chatroom. The connection lives until ctx is cancelled.
func (a *Adapter) Join(ctx context.Context, channel string, _ session.Credentials) error {
	slug := session.Canonical(channel)
	if slug == "" {
		return fmt.Errorf("channel empty")
	}

	info, err := a.channelInfo(ctx, slug)
	if err != nil {
		telemetry.IncSessionError(string(message.PlatformKick), session.KindResolution.String())
		return session.NewError(session.KindResolution, message.PlatformKick, err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.wsURL(), nil)
	if err != nil {
		telemetry.IncSessionError(string(message.PlatformKick), session.KindTransport.String())
		return session.NewError(session.KindTransport, message.PlatformKick, err)
	}

	sub := pusherFrame{Event: "pusher:subscribe"}
	sub.Data, _ = json.Marshal(map[string]string{
		"auth":    "",
		"channel": fmt.Sprintf("chatrooms.%d.v2", info.ChatroomID),
	})
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		telemetry.IncSessionError(string(message.PlatformKick), session.KindTransport.String())
		return session.NewError(session.KindTransport, message.PlatformKick, err)
	}

	a.Hub.Connected(message.PlatformKick, slug)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go a.readLoop(ctx, conn, slug)
	return nil
}

// Leave is a no-op: the registry cancels the join context, which closes the
// websocket and ends the read loop.
func (a *Adapter) Leave(ctx context.Context, channel string) error {
	return nil
}

// channelInfo returns the cached chatroom/broadcaster ids for slug, resolving
// through the channels API on a miss.
func (a *Adapter) channelInfo(ctx context.Context, slug string) (ChannelInfo, error) {
	if chatroomID, broadcasterID := a.Registry.KickIDs(ctx, slug); chatroomID != 0 && broadcasterID != 0 {
		return ChannelInfo{ChatroomID: chatroomID, BroadcasterID: broadcasterID}, nil
	}
	var info ChannelInfo
	var err error
	telemetry.TimeFunc(telemetry.ResolveDuration, func() {
		info, err = a.ResolveChannel(ctx, slug)
	})
	if err != nil {
		return ChannelInfo{}, err
	}
	a.Registry.SetKickIDs(slug, info.ChatroomID, info.BroadcasterID)
	return info, nil
}

type pusherFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn, slug string) {
	for {
		var frame pusherFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				a.Hub.PlatformError(message.PlatformKick, err.Error())
				telemetry.IncSessionError(string(message.PlatformKick), session.KindTransport.String())
				a.Registry.Leave(message.PlatformKick, slug)
			}
			return
		}
		switch frame.Event {
		case "pusher:ping":
			pong := pusherFrame{Event: "pusher:pong", Data: json.RawMessage(`{}`)}
			if err := conn.WriteJSON(pong); err != nil {
				return
			}
		case chatMessageEvent:
			msg, err := decodeChatEvent(frame.Data)
			if err != nil {
				telemetry.IncDecodeError(string(message.PlatformKick))
				continue
			}
			a.Hub.ChatMessage(msg)
			telemetry.IncIngested(string(message.PlatformKick))
		}
	}
}

// decodeChatEvent unwraps a ChatMessageEvent frame. Pusher delivers the event
// payload as a JSON string, so the data field is decoded twice.
func decodeChatEvent(data json.RawMessage) (message.Message, error) {
	var inner string
	if err := json.Unmarshal(data, &inner); err != nil {
		return message.Message{}, fmt.Errorf("unwrap event data: %w", err)
	}
	var ev struct {
		ID      string `json:"id"`
		Content string `json:"content"`
		Sender  struct {
			Username string `json:"username"`
			Identity struct {
				Color  string `json:"color"`
				Badges []struct {
					Type string `json:"type"`
				} `json:"badges"`
			} `json:"identity"`
		} `json:"sender"`
	}
	if err := json.Unmarshal([]byte(inner), &ev); err != nil {
		return message.Message{}, fmt.Errorf("decode chat event: %w", err)
	}

	out := message.Message{
		ID:        ev.ID,
		Platform:  message.PlatformKick,
		Username:  ev.Sender.Username,
		Body:      ev.Content,
		Color:     ev.Sender.Identity.Color,
		Timestamp: time.Now().UTC(),
		Kind:      message.KindChat,
	}
	for _, b := range ev.Sender.Identity.Badges {
		out.Badges = append(out.Badges, b.Type)
		switch b.Type {
		case "moderator", "broadcaster":
			out.IsMod = true
		case "vip":
			out.IsVIP = true
		case "subscriber", "founder", "og":
			out.IsMember = true
		}
	}
	return out, nil
}
