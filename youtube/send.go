package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
)

// Scope required to post live chat messages.
const forceSSLScope = "https://www.googleapis.com/auth/youtube.force-ssl"

var (
	// ErrMissingScope means the token was granted without youtube.force-ssl.
	ErrMissingScope = errors.New("token is missing the youtube.force-ssl scope")
	// ErrNoChannel means the authenticated account has no YouTube channel to
	// chat as.
	ErrNoChannel = errors.New("account has no youtube channel")
	// ErrStreamEnded means the video no longer has an active live chat.
	ErrStreamEnded = errors.New("stream has ended")
)

// SendService abstracts the Data API calls behind Send so tests can stub
// them.
type SendService interface {
	HasChannel(ctx context.Context) (bool, error)
	ActiveLiveChatID(ctx context.Context, videoID string) (string, error)
	Insert(ctx context.Context, liveChatID, text string) error
}

// Send posts body to the channel's live chat through the Data API. The
// live-chat id is resolved lazily on the first send and cached; a stale cache
// entry (stream rotated) is re-resolved once.
func (a *Adapter) Send(ctx context.Context, channel, body string, creds session.Credentials) error {
	if creds.Token == "" {
		telemetry.IncSend(string(message.PlatformYouTube), false)
		return session.NewError(session.KindAuth, message.PlatformYouTube, fmt.Errorf("sending requires a user access token"))
	}
	if err := a.checkScope(ctx, creds.Token); err != nil {
		telemetry.IncSend(string(message.PlatformYouTube), false)
		return session.NewError(session.KindAuth, message.PlatformYouTube, err)
	}

	svc := a.SendService
	if svc == nil {
		real, err := newAPISender(ctx, creds.Token)
		if err != nil {
			telemetry.IncSend(string(message.PlatformYouTube), false)
			return session.NewError(session.KindSend, message.PlatformYouTube, err)
		}
		svc = real
	}

	ok, err := svc.HasChannel(ctx)
	if err != nil {
		telemetry.IncSend(string(message.PlatformYouTube), false)
		return session.NewError(session.KindSend, message.PlatformYouTube, err)
	}
	if !ok {
		telemetry.IncSend(string(message.PlatformYouTube), false)
		return session.NewError(session.KindSend, message.PlatformYouTube, ErrNoChannel)
	}

	ch := session.Canonical(channel)
	liveChatID := a.Registry.LiveChatID(ch)
	if liveChatID == "" {
		liveChatID, err = a.resolveLiveChatID(ctx, svc, ch)
		if err != nil {
			telemetry.IncSend(string(message.PlatformYouTube), false)
			return err
		}
	}

	if err := svc.Insert(ctx, liveChatID, body); err != nil {
		// The cached id may belong to a finished broadcast; resolve once more.
		liveChatID, rerr := a.resolveLiveChatID(ctx, svc, ch)
		if rerr != nil {
			telemetry.IncSend(string(message.PlatformYouTube), false)
			return session.NewError(session.KindSend, message.PlatformYouTube, err)
		}
		if err := svc.Insert(ctx, liveChatID, body); err != nil {
			telemetry.IncSend(string(message.PlatformYouTube), false)
			return session.NewError(session.KindSend, message.PlatformYouTube, err)
		}
	}
	telemetry.IncSend(string(message.PlatformYouTube), true)
	return nil
}

func (a *Adapter) resolveLiveChatID(ctx context.Context, svc SendService, channel string) (string, error) {
	videoID, err := a.ResolveVideoID(ctx, channel)
	if err != nil {
		return "", session.NewError(session.KindResolution, message.PlatformYouTube, err)
	}
	id, err := svc.ActiveLiveChatID(ctx, videoID)
	if err != nil {
		return "", session.NewError(session.KindSend, message.PlatformYouTube, err)
	}
	if id == "" {
		return "", session.NewError(session.KindSend, message.PlatformYouTube, ErrStreamEnded)
	}
	a.Registry.SetLiveChatID(channel, id)
	return id, nil
}

// checkScope verifies the token carries youtube.force-ssl via the tokeninfo
// endpoint.
func (a *Adapter) checkScope(ctx context.Context, token string) error {
	base := a.TokenInfoBase
	if base == "" {
		base = "https://oauth2.googleapis.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/tokeninfo?access_token="+token, nil)
	if err != nil {
		return err
	}
	resp, err := a.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("tokeninfo failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Scope string `json:"scope"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if !strings.Contains(body.Scope, forceSSLScope) {
		return ErrMissingScope
	}
	return nil
}

// apiSender is the production SendService backed by the Data API v3.
type apiSender struct {
	svc *yt.Service
}

func newAPISender(ctx context.Context, token string) (*apiSender, error) {
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	svc, err := yt.NewService(ctx, option.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("create youtube service: %w", err)
	}
	return &apiSender{svc: svc}, nil
}

func (s *apiSender) HasChannel(ctx context.Context) (bool, error) {
	resp, err := s.svc.Channels.List([]string{"id"}).Mine(true).Context(ctx).Do()
	if err != nil {
		return false, fmt.Errorf("list own channel: %w", err)
	}
	return len(resp.Items) > 0, nil
}

func (s *apiSender) ActiveLiveChatID(ctx context.Context, videoID string) (string, error) {
	resp, err := s.svc.Videos.List([]string{"liveStreamingDetails"}).Id(videoID).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("list video: %w", err)
	}
	if len(resp.Items) == 0 || resp.Items[0].LiveStreamingDetails == nil {
		return "", nil
	}
	return resp.Items[0].LiveStreamingDetails.ActiveLiveChatId, nil
}

func (s *apiSender) Insert(ctx context.Context, liveChatID, text string) error {
	msg := &yt.LiveChatMessage{
		Snippet: &yt.LiveChatMessageSnippet{
			LiveChatId: liveChatID,
			Type:       "textMessageEvent",
			TextMessageDetails: &yt.LiveChatTextMessageDetails{
				MessageText: text,
			},
		},
	}
	if _, err := s.svc.LiveChatMessages.Insert([]string{"snippet"}, msg).Context(ctx).Do(); err != nil {
		return fmt.Errorf("insert chat message: %w", err)
	}
	return nil
}
