package kick

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
)

func TestOAuthStartBuildsChallenge(t *testing.T) {
	o := &OAuth{ClientID: "cid", RedirectURI: "http://localhost:8080/auth/kick/complete", Scopes: []string{"chat:write"}}
	raw, err := o.Start("st8")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("method = %q", q.Get("code_challenge_method"))
	}
	if len(o.verifier) != 32 {
		t.Errorf("verifier length = %d, want 32", len(o.verifier))
	}
	sum := sha256.Sum256([]byte(o.verifier))
	want := base64.RawURLEncoding.EncodeToString(sum[:])
	if got := q.Get("code_challenge"); got != want {
		t.Errorf("challenge = %q, want %q", got, want)
	}
	if q.Get("response_type") != "code" {
		t.Errorf("response_type = %q", q.Get("response_type"))
	}
}

func TestOAuthCompleteExchangesThroughRelay(t *testing.T) {
	var gotPayload map[string]string
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotPayload)
		_, _ = w.Write([]byte(`{"access_token":"kick-token"}`))
	}))
	defer relay.Close()

	o := &OAuth{ClientID: "cid", RedirectURI: "http://cb", RelayURL: relay.URL, HTTPClient: relay.Client()}
	if _, err := o.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	verifier := o.verifier

	tok, err := o.Complete(context.Background(), "auth-code")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if tok != "kick-token" {
		t.Errorf("token = %q", tok)
	}
	if gotPayload["code"] != "auth-code" || gotPayload["code_verifier"] != verifier || gotPayload["redirect_uri"] != "http://cb" {
		t.Errorf("relay payload = %+v", gotPayload)
	}

	// The verifier is single-use.
	if _, err := o.Complete(context.Background(), "auth-code"); err == nil {
		t.Error("second Complete should fail without a pending verifier")
	}
}

func TestOAuthCompleteWithoutStart(t *testing.T) {
	o := &OAuth{RelayURL: "http://relay"}
	if _, err := o.Complete(context.Background(), "code"); err == nil {
		t.Error("expected error when no flow was started")
	}
}

func TestOAuthCompleteReportsProviderError(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"code expired"}`))
	}))
	defer relay.Close()

	o := &OAuth{ClientID: "cid", RedirectURI: "http://cb", RelayURL: relay.URL, HTTPClient: relay.Client()}
	if _, err := o.Start(""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	_, err := o.Complete(context.Background(), "auth-code")
	if err == nil {
		t.Fatal("expected error for a response without access_token")
	}
	// The provider's response is the only clue to what went wrong.
	if !strings.Contains(err.Error(), "invalid_grant") || !strings.Contains(err.Error(), "code expired") {
		t.Errorf("err = %v, want the relay response quoted", err)
	}
}

func TestResolveChannel(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		wantRoom int64
		wantUser int64
		wantErr  bool
	}{
		{
			name:     "user_id key",
			body:     `{"chatroom":{"id":777},"user_id":42}`,
			wantRoom: 777,
			wantUser: 42,
		},
		{
			name:     "legacy userid key wins over id",
			body:     `{"chatroom":{"id":777},"userid":42,"id":99}`,
			wantRoom: 777,
			wantUser: 42,
		},
		{
			name:     "top-level id fallback",
			body:     `{"chatroom":{"id":777},"id":99}`,
			wantRoom: 777,
			wantUser: 99,
		},
		{
			name:    "missing chatroom",
			body:    `{"user_id":42}`,
			wantErr: true,
		},
		{
			name:    "missing broadcaster",
			body:    `{"chatroom":{"id":777}}`,
			wantErr: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/api/v2/channels/somestreamer" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if ua := r.Header.Get("User-Agent"); !strings.Contains(ua, "Mozilla") {
					t.Errorf("user agent = %q", ua)
				}
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			a := &Adapter{ChannelAPIBase: srv.URL, HTTPClient: srv.Client()}
			info, err := a.ResolveChannel(context.Background(), "somestreamer")
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveChannel: %v", err)
			}
			if info.ChatroomID != tc.wantRoom || info.BroadcasterID != tc.wantUser {
				t.Errorf("info = %+v, want chatroom %d broadcaster %d", info, tc.wantRoom, tc.wantUser)
			}
		})
	}
}

func TestDecodeChatEvent(t *testing.T) {
	inner := `{"id":"evt-1","content":"hello chat","created_at":"2025-06-01T12:00:00Z","sender":{"username":"viewer","identity":{"color":"#00FF00","badges":[{"type":"moderator"},{"type":"subscriber"}]}}}`
	data, _ := json.Marshal(inner)
	msg, err := decodeChatEvent(data)
	if err != nil {
		t.Fatalf("decodeChatEvent: %v", err)
	}
	if msg.Platform != message.PlatformKick {
		t.Errorf("platform = %q", msg.Platform)
	}
	if msg.Username != "viewer" || msg.Body != "hello chat" || msg.Color != "#00FF00" {
		t.Errorf("msg = %+v", msg)
	}
	if !msg.IsMod || !msg.IsMember || msg.IsVIP {
		t.Errorf("flags = mod:%v vip:%v member:%v", msg.IsMod, msg.IsVIP, msg.IsMember)
	}
	if msg.Timestamp.IsZero() || time.Since(msg.Timestamp) > time.Minute {
		t.Errorf("timestamp not stamped at receipt: %v", msg.Timestamp)
	}
}

func TestDecodeChatEventBadData(t *testing.T) {
	if _, err := decodeChatEvent(json.RawMessage(`{"not":"a string"}`)); err == nil {
		t.Error("expected unwrap error for non-string data")
	}
	data, _ := json.Marshal("not json at all")
	if _, err := decodeChatEvent(data); err == nil {
		t.Error("expected decode error for garbage inner payload")
	}
}

func TestJoinSubscribesAndDeliversMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	inner := `{"id":"evt-2","content":"from pusher","created_at":"2025-06-01T12:00:00Z","sender":{"username":"viewer","identity":{"color":"#fff","badges":[]}}}`

	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		var sub pusherFrame
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("read subscribe: %v", err)
			return
		}
		if sub.Event != "pusher:subscribe" {
			t.Errorf("first frame = %q, want pusher:subscribe", sub.Event)
		}
		var subData struct {
			Channel string `json:"channel"`
		}
		_ = json.Unmarshal(sub.Data, &subData)
		if subData.Channel != "chatrooms.777.v2" {
			t.Errorf("subscribed channel = %q", subData.Channel)
		}

		// Ping must be answered on the same connection.
		_ = conn.WriteJSON(pusherFrame{Event: "pusher:ping", Data: json.RawMessage(`{}`)})
		var pong pusherFrame
		if err := conn.ReadJSON(&pong); err != nil {
			t.Errorf("read pong: %v", err)
			return
		}
		if pong.Event != "pusher:pong" {
			t.Errorf("reply = %q, want pusher:pong", pong.Event)
		}

		data, _ := json.Marshal(inner)
		_ = conn.WriteJSON(pusherFrame{Event: chatMessageEvent, Data: data})
		time.Sleep(200 * time.Millisecond)
	}))
	defer wsSrv.Close()

	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"chatroom":{"id":777},"user_id":42}`))
	}))
	defer apiSrv.Close()

	hub := events.NewHub(16)
	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	reg := session.New(nil)
	a := New(hub, reg, "testkey", "us2")
	a.ChannelAPIBase = apiSrv.URL
	a.HTTPClient = apiSrv.Client()
	a.WSURL = "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Join(ctx, "SomeStreamer", session.Credentials{}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	deadline := time.After(3 * time.Second)
	var gotConnected, gotMessage bool
	for !gotConnected || !gotMessage {
		select {
		case ev := <-sub:
			switch ev.Type {
			case "kick-connected":
				gotConnected = true
				if ev.Payload != "somestreamer" {
					t.Errorf("connected payload = %v, want the channel slug", ev.Payload)
				}
			case events.TypeChatMessage:
				gotMessage = true
				m := ev.Payload.(message.Message)
				if m.Body != "from pusher" {
					t.Errorf("body = %q", m.Body)
				}
			}
		case <-deadline:
			t.Fatalf("timed out: connected=%v message=%v", gotConnected, gotMessage)
		}
	}
}

func TestSend(t *testing.T) {
	var gotAuth string
	var gotPayload map[string]any
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/public/v1/chat" {
			gotAuth = r.Header.Get("Authorization")
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &gotPayload)
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte(`{"chatroom":{"id":777},"user_id":42}`))
	}))
	defer api.Close()

	reg := session.New(nil)
	a := New(events.NewHub(4), reg, "k", "us2")
	a.ChannelAPIBase = api.URL
	a.SendAPIBase = api.URL
	a.HTTPClient = api.Client()

	err := a.Send(context.Background(), "somestreamer", "hi", session.Credentials{Token: "user-token"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAuth != "Bearer user-token" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotPayload["broadcaster_user_id"] != float64(42) || gotPayload["content"] != "hi" || gotPayload["type"] != "user" {
		t.Errorf("payload = %+v", gotPayload)
	}
}

func TestSendResolvesBroadcasterOnce(t *testing.T) {
	var lookups int
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/public/v1/chat" {
			w.WriteHeader(http.StatusOK)
			return
		}
		lookups++
		_, _ = w.Write([]byte(`{"chatroom":{"id":777},"user_id":42}`))
	}))
	defer api.Close()

	a := New(events.NewHub(4), session.New(nil), "k", "us2")
	a.ChannelAPIBase = api.URL
	a.SendAPIBase = api.URL
	a.HTTPClient = api.Client()

	creds := session.Credentials{Token: "user-token"}
	for i := 0; i < 2; i++ {
		if err := a.Send(context.Background(), "somestreamer", "hi", creds); err != nil {
			t.Fatalf("Send #%d: %v", i+1, err)
		}
	}
	if lookups != 1 {
		t.Errorf("channel lookups = %d, want 1 (second send must reuse the cached ids)", lookups)
	}
}

func TestSendRequiresToken(t *testing.T) {
	a := New(events.NewHub(4), session.New(nil), "k", "us2")
	err := a.Send(context.Background(), "somestreamer", "hi", session.Credentials{})
	if err == nil {
		t.Fatal("expected auth error")
	}
	var se *session.Error
	if !errors.As(err, &se) || se.Kind != session.KindAuth {
		t.Errorf("err = %v, want auth kind", err)
	}
}
