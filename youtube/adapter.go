package youtube

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/multichat/events"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
)

const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// Innertube web client identity expected by get_live_chat.
const (
	innertubeClientName    = "WEB"
	innertubeClientVersion = "2.20230622.06.00"
)

var apiKeyRe = regexp.MustCompile(`"INNERTUBE_API_KEY":"([^"]+)"`)

// The watch page embeds several continuation tokens; only the one inside the
// liveChatRenderer block belongs to the chat frame.
var liveChatContinuationRe = regexp.MustCompile(`"liveChatRenderer":\{"continuations":\[\{"reloadContinuationData":\{"continuation":"([^"]+)"`)

// Default name colors applied when a chat author holds a role badge.
const (
	moderatorColor = "#5e84f1"
	memberColor    = "#2ba640"
)

// Adapter polls YouTube live chat. Join scrapes the watch page for the
// innertube api key and the chat continuation token, then polls get_live_chat
// until the context is cancelled.
type Adapter struct {
	Hub      *events.Hub
	Registry *session.Registry

	PollInterval time.Duration
	PollBackoff  time.Duration

	// Overridable in tests.
	WatchBase     string
	InnertubeBase string
	TokenInfoBase string
	HTTPClient    *http.Client
	SendService   SendService
}

// New returns an Adapter polling at interval, backing off to backoff after a
// failed poll.
func New(hub *events.Hub, reg *session.Registry, interval, backoff time.Duration) *Adapter {
	if interval <= 0 {
		interval = time.Second
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &Adapter{Hub: hub, Registry: reg, PollInterval: interval, PollBackoff: backoff}
}

func (a *Adapter) http() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// chatPage holds what a poll loop needs from the watch page scrape.
type chatPage struct {
	VideoID      string
	APIKey       string
	Continuation string
}

// Join resolves the input to a live video and starts the poll loop. Messages
// posted before the join are filtered out by their timestamp.
func (a *Adapter) Join(ctx context.Context, channel string, _ session.Credentials) error {
	videoID, err := a.ResolveVideoID(ctx, channel)
	if err != nil {
		telemetry.IncSessionError(string(message.PlatformYouTube), session.KindResolution.String())
		return session.NewError(session.KindResolution, message.PlatformYouTube, err)
	}
	page, err := a.scrapeChatPage(ctx, videoID)
	if err != nil {
		telemetry.IncSessionError(string(message.PlatformYouTube), session.KindResolution.String())
		return session.NewError(session.KindResolution, message.PlatformYouTube, err)
	}

	a.Hub.Connected(message.PlatformYouTube, videoID)
	go a.pollLoop(ctx, session.Canonical(channel), page)
	return nil
}

// Leave is a no-op: cancelling the join context stops the poll loop.
func (a *Adapter) Leave(ctx context.Context, channel string) error {
	return nil
}

// scrapeChatPage pulls the innertube api key and the live chat continuation
// token out of the watch page HTML.
func (a *Adapter) scrapeChatPage(ctx context.Context, videoID string) (chatPage, error) {
	base := a.WatchBase
	if base == "" {
		base = "https://www.youtube.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/watch?v="+videoID, nil)
	if err != nil {
		return chatPage{}, err
	}
	req.Header.Set("User-Agent", browserUA)
	resp, err := a.http().Do(req)
	if err != nil {
		return chatPage{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return chatPage{}, fmt.Errorf("watch page fetch failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return chatPage{}, err
	}
	key := apiKeyRe.FindSubmatch(body)
	if key == nil {
		return chatPage{}, fmt.Errorf("innertube api key not found on watch page")
	}
	cont := liveChatContinuationRe.FindSubmatch(body)
	if cont == nil {
		return chatPage{}, fmt.Errorf("video %s has no live chat", videoID)
	}
	return chatPage{VideoID: videoID, APIKey: string(key[1]), Continuation: string(cont[1])}, nil
}

func (a *Adapter) pollLoop(ctx context.Context, channel string, page chatPage) {
	joinedAt := time.Now()
	continuation := page.Continuation
	interval := a.PollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		var next string
		var msgs []message.Message
		var err error
		telemetry.TimeFunc(telemetry.PollDuration, func() {
			next, msgs, err = a.poll(ctx, page.APIKey, continuation, joinedAt)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("live chat poll failed", slog.String("channel", channel), slog.Any("err", err))
			telemetry.IncSessionError(string(message.PlatformYouTube), session.KindTransport.String())
			interval = a.PollBackoff
			continue
		}
		interval = a.PollInterval
		for _, m := range msgs {
			a.Hub.ChatMessage(m)
			telemetry.IncIngested(string(message.PlatformYouTube))
		}
		// No next continuation means the stream ended or chat was
		// disabled; the session is over.
		if next == "" {
			slog.Info("live chat ended", slog.String("channel", channel), slog.String("video", page.VideoID))
			a.Hub.PlatformError(message.PlatformYouTube, fmt.Sprintf("live chat ended for %s", page.VideoID))
			if a.Registry.Leave(message.PlatformYouTube, channel) {
				telemetry.SessionEnded(string(message.PlatformYouTube))
			}
			a.Registry.Remove(message.PlatformYouTube, channel)
			return
		}
		continuation = next
	}
}

// poll performs one get_live_chat request, returning the next continuation
// and the decoded messages newer than joinedAt.
func (a *Adapter) poll(ctx context.Context, apiKey, continuation string, joinedAt time.Time) (string, []message.Message, error) {
	base := a.InnertubeBase
	if base == "" {
		base = "https://www.youtube.com"
	}
	payload, _ := json.Marshal(map[string]any{
		"context": map[string]any{
			"client": map[string]any{
				"clientName":    innertubeClientName,
				"clientVersion": innertubeClientVersion,
			},
		},
		"continuation": continuation,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		base+"/youtubei/v1/live_chat/get_live_chat?key="+apiKey, bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", browserUA)
	resp, err := a.http().Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", nil, fmt.Errorf("get_live_chat failed: %s: %s", resp.Status, string(b))
	}

	var body liveChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", nil, err
	}
	lc := body.ContinuationContents.LiveChatContinuation
	next := lc.nextContinuation()

	var out []message.Message
	for _, action := range lc.Actions {
		r := action.AddChatItemAction.Item.LiveChatTextMessageRenderer
		if r == nil {
			continue
		}
		m, sentAt, err := decodeTextMessage(r)
		if err != nil {
			telemetry.IncDecodeError(string(message.PlatformYouTube))
			continue
		}
		// get_live_chat replays recent history on the first page; anything
		// sent before the session started is not new chat.
		if sentAt.Before(joinedAt) {
			continue
		}
		out = append(out, m)
	}
	return next, out, nil
}

type liveChatResponse struct {
	ContinuationContents struct {
		LiveChatContinuation liveChatContinuation `json:"liveChatContinuation"`
	} `json:"continuationContents"`
}

type liveChatContinuation struct {
	Continuations []struct {
		InvalidationContinuationData *continuationData `json:"invalidationContinuationData"`
		TimedContinuationData        *continuationData `json:"timedContinuationData"`
		ReloadContinuationData       *continuationData `json:"reloadContinuationData"`
	} `json:"continuations"`
	Actions []struct {
		AddChatItemAction struct {
			Item struct {
				LiveChatTextMessageRenderer *textMessageRenderer `json:"liveChatTextMessageRenderer"`
			} `json:"item"`
		} `json:"addChatItemAction"`
	} `json:"actions"`
}

type continuationData struct {
	Continuation string `json:"continuation"`
}

func (lc liveChatContinuation) nextContinuation() string {
	for _, c := range lc.Continuations {
		switch {
		case c.InvalidationContinuationData != nil:
			return c.InvalidationContinuationData.Continuation
		case c.TimedContinuationData != nil:
			return c.TimedContinuationData.Continuation
		case c.ReloadContinuationData != nil:
			return c.ReloadContinuationData.Continuation
		}
	}
	return ""
}

type textMessageRenderer struct {
	ID            string `json:"id"`
	TimestampUsec string `json:"timestampUsec"`
	AuthorName    struct {
		SimpleText string `json:"simpleText"`
	} `json:"authorName"`
	Message struct {
		Runs []messageRun `json:"runs"`
	} `json:"message"`
	AuthorBadges []authorBadge `json:"authorBadges"`
}

type authorBadge struct {
	LiveChatAuthorBadgeRenderer struct {
		Tooltip string `json:"tooltip"`
	} `json:"liveChatAuthorBadgeRenderer"`
}

type messageRun struct {
	Text  string    `json:"text"`
	Emoji *emojiRun `json:"emoji"`
}

type emojiRun struct {
	EmojiID   string   `json:"emojiId"`
	Shortcuts []string `json:"shortcuts"`
	Image     struct {
		Accessibility struct {
			AccessibilityData struct {
				Label string `json:"label"`
			} `json:"accessibilityData"`
		} `json:"accessibility"`
	} `json:"image"`
}

// decodeTextMessage flattens a renderer into the normalized model. Emoji runs
// contribute their shortcut text to the body and an emote entry spanning it
// in code points. The second return is the platform-reported send time, used
// only for backlog filtering; the message itself is stamped with receipt time.
func decodeTextMessage(r *textMessageRenderer) (message.Message, time.Time, error) {
	usec, err := strconv.ParseInt(r.TimestampUsec, 10, 64)
	if err != nil {
		return message.Message{}, time.Time{}, fmt.Errorf("bad timestampUsec %q: %w", r.TimestampUsec, err)
	}
	sentAt := time.UnixMicro(usec).UTC()
	out := message.Message{
		ID:        r.ID,
		Platform:  message.PlatformYouTube,
		Username:  r.AuthorName.SimpleText,
		Timestamp: time.Now().UTC(),
		Kind:      message.KindChat,
	}

	var b strings.Builder
	offset := 0
	for _, run := range r.Message.Runs {
		if run.Emoji == nil {
			b.WriteString(run.Text)
			offset += len([]rune(run.Text))
			continue
		}
		label := emojiLabel(run)
		if label == "" {
			// Nothing to render and nothing for a span to cover.
			continue
		}
		b.WriteString(label)
		n := len([]rune(label))
		out.Emotes = append(out.Emotes, message.Emote{
			ID:    run.Emoji.EmojiID,
			Code:  label,
			Start: offset,
			End:   offset + n - 1,
		})
		offset += n
	}
	out.Body = b.String()

	for _, badge := range r.AuthorBadges {
		tooltip := badge.LiveChatAuthorBadgeRenderer.Tooltip
		if tooltip == "" {
			continue
		}
		out.Badges = append(out.Badges, tooltip)
		lower := strings.ToLower(tooltip)
		switch {
		case strings.Contains(lower, "moderator") || strings.Contains(lower, "owner"):
			out.IsMod = true
		case strings.Contains(lower, "member"):
			out.IsMember = true
		}
	}
	switch {
	case out.IsMod:
		out.Color = moderatorColor
	case out.IsMember:
		out.Color = memberColor
	}
	return out, sentAt, nil
}

func emojiLabel(run messageRun) string {
	if run.Emoji == nil {
		return ""
	}
	if len(run.Emoji.Shortcuts) > 0 {
		return run.Emoji.Shortcuts[0]
	}
	if l := run.Emoji.Image.Accessibility.AccessibilityData.Label; l != "" {
		return l
	}
	return run.Emoji.EmojiID
}
