package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/multichat/config"
	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/kick"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
)

// fakeAdapter records calls and returns configured errors.
type fakeAdapter struct {
	mu      sync.Mutex
	joined  []string
	left    []string
	sent    []string
	joinErr error
	sendErr error
}

func (f *fakeAdapter) Join(ctx context.Context, channel string, creds session.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = append(f.joined, session.Canonical(channel))
	return nil
}

func (f *fakeAdapter) Leave(ctx context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, session.Canonical(channel))
	return nil
}

func (f *fakeAdapter) Send(ctx context.Context, channel, body string, creds session.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, session.Canonical(channel)+":"+body)
	return nil
}

func newTestServer(t *testing.T, adapters map[message.Platform]session.Adapter) (*httptest.Server, *events.Hub) {
	t.Helper()
	t.Setenv("RATE_LIMIT_ENABLED", "0")
	hub := events.NewHub(16)
	cfg, _ := config.Load()
	deps := Deps{
		Config:   cfg,
		Hub:      hub,
		Registry: session.New(nil),
		Adapters: adapters,
		KickAuth: &kick.OAuth{ClientID: "cid", RedirectURI: "http://cb", RelayURL: "http://relay"},
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := httptest.NewServer(NewMux(ctx, deps))
	t.Cleanup(srv.Close)
	return srv, hub
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", strings.NewReader(string(b)))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestJoinLeaveSendDispatch(t *testing.T) {
	fa := &fakeAdapter{}
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{message.PlatformTwitch: fa})

	resp := postJSON(t, srv.URL+"/sessions/join", map[string]string{"platform": "twitch", "channel": "#SomeChannel"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/sessions/send", map[string]string{"platform": "twitch", "channel": "somechannel", "message": "hi"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/sessions/leave", map[string]string{"platform": "twitch", "channel": "somechannel"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leave status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	fa.mu.Lock()
	defer fa.mu.Unlock()
	if len(fa.joined) != 1 || fa.joined[0] != "somechannel" {
		t.Errorf("joined = %v", fa.joined)
	}
	if len(fa.sent) != 1 || fa.sent[0] != "somechannel:hi" {
		t.Errorf("sent = %v", fa.sent)
	}
	if len(fa.left) != 1 {
		t.Errorf("left = %v", fa.left)
	}
}

func TestJoinValidation(t *testing.T) {
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{message.PlatformTwitch: &fakeAdapter{}})

	cases := []struct {
		name string
		body map[string]string
		want int
	}{
		{"unknown platform", map[string]string{"platform": "mixer", "channel": "x"}, http.StatusBadRequest},
		{"missing channel", map[string]string{"platform": "twitch"}, http.StatusBadRequest},
		{"platform not enabled", map[string]string{"platform": "kick", "channel": "x"}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/sessions/join", tc.body)
			resp.Body.Close()
			if resp.StatusCode != tc.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tc.want)
			}
		})
	}

	resp, err := http.Get(srv.URL + "/sessions/join")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET join status = %d", resp.StatusCode)
	}
}

func TestSendAuthErrorMapsTo401(t *testing.T) {
	fa := &fakeAdapter{sendErr: session.NewError(session.KindAuth, message.PlatformKick, fmt.Errorf("sending requires a user access token"))}
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{message.PlatformKick: fa})

	resp := postJSON(t, srv.URL+"/sessions/send", map[string]string{"platform": "kick", "channel": "x", "message": "hi"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestJoinFailureReleasesSession(t *testing.T) {
	fa := &fakeAdapter{joinErr: session.NewError(session.KindResolution, message.PlatformYouTube, fmt.Errorf("not live"))}
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{message.PlatformYouTube: fa})

	resp := postJSON(t, srv.URL+"/sessions/join", map[string]string{"platform": "youtube", "channel": "@offline"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
}

func TestEventsSSE(t *testing.T) {
	srv, hub := newTestServer(t, map[message.Platform]session.Adapter{})

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	// Give the subscriber time to register before publishing.
	time.Sleep(100 * time.Millisecond)
	hub.ChatMessage(message.Message{ID: "m1", Platform: message.PlatformTwitch, Username: "alice", Body: "hello", Kind: message.KindChat})

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(3 * time.Second)
	var eventLine, dataLine string
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: chat-message" {
		t.Errorf("event line = %q", eventLine)
	}
	var m message.Message
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &m); err != nil {
		t.Fatalf("decode data line %q: %v", dataLine, err)
	}
	if m.Body != "hello" || m.Username != "alice" {
		t.Errorf("message = %+v", m)
	}
}

func TestStatus(t *testing.T) {
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{message.PlatformTwitch: &fakeAdapter{}})

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Platforms map[string]struct {
			Enabled       bool `json:"enabled"`
			Authenticated bool `json:"authenticated"`
		} `json:"platforms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Platforms["twitch"].Enabled {
		t.Error("twitch should be enabled")
	}
	if body.Platforms["kick"].Enabled {
		t.Error("kick should be disabled")
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestOAuthStartUnconfigured(t *testing.T) {
	for _, k := range []string{"TWITCH_CLIENT_ID", "TWITCH_REDIRECT_URI", "KICK_CLIENT_ID", "KICK_REDIRECT_URI", "KICK_TOKEN_RELAY_URL", "YT_CLIENT_ID", "YT_REDIRECT_URI"} {
		t.Setenv(k, "")
	}
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{})
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	for _, path := range []string{"/auth/twitch/start", "/auth/kick/start", "/auth/youtube/start"} {
		resp, err := client.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400 without credentials", path, resp.StatusCode)
		}
	}
}

func TestOAuthStartRedirects(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "cid")
	t.Setenv("TWITCH_REDIRECT_URI", "http://localhost:8080/auth/twitch/complete")
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{})
	client := &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}}

	resp, err := client.Get(srv.URL + "/auth/twitch/start")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("status = %d, want 302", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, "https://id.twitch.tv/oauth2/authorize?") {
		t.Errorf("location = %q", loc)
	}
	if !strings.Contains(loc, "response_type=token") {
		t.Errorf("location missing implicit grant: %q", loc)
	}
}

func TestKickOAuthCompleteInvalidState(t *testing.T) {
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{})
	resp, err := http.Get(srv.URL + "/auth/kick/complete?code=abc&state=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	srv, _ := newTestServer(t, map[message.Platform]session.Adapter{})
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID header")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("correlation id = %q, want passthrough", got)
	}
}
