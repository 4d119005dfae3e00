package kick

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/session"
	"github.com/onnwee/multichat/telemetry"
)

// Send posts body to the channel's chat through the public v1 API. A user
// access token is required; the broadcaster id is resolved (and cached)
// through the channels API.
func (a *Adapter) Send(ctx context.Context, channel, body string, creds session.Credentials) error {
	if creds.Token == "" {
		telemetry.IncSend(string(message.PlatformKick), false)
		return session.NewError(session.KindAuth, message.PlatformKick, fmt.Errorf("sending requires a user access token"))
	}
	slug := session.Canonical(channel)
	info, err := a.channelInfo(ctx, slug)
	if err != nil {
		telemetry.IncSend(string(message.PlatformKick), false)
		return session.NewError(session.KindResolution, message.PlatformKick, err)
	}

	base := a.SendAPIBase
	if base == "" {
		base = "https://api.kick.com"
	}
	payload, _ := json.Marshal(map[string]any{
		"broadcaster_user_id": info.BroadcasterID,
		"content":             body,
		"type":                "user",
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/public/v1/chat", bytes.NewReader(payload))
	if err != nil {
		telemetry.IncSend(string(message.PlatformKick), false)
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	resp, err := a.http().Do(req)
	if err != nil {
		telemetry.IncSend(string(message.PlatformKick), false)
		return session.NewError(session.KindSend, message.PlatformKick, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		telemetry.IncSend(string(message.PlatformKick), false)
		return session.NewError(session.KindSend, message.PlatformKick,
			fmt.Errorf("chat send failed: %s: %s", resp.Status, string(b)))
	}
	telemetry.IncSend(string(message.PlatformKick), true)
	return nil
}
