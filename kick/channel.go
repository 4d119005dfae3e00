package kick

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// The public channel endpoint rejects non-browser user agents.
const browserUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// ChannelInfo is the subset of the channel endpoint response needed to join
// and send: the Pusher chatroom id and the broadcaster's user id.
type ChannelInfo struct {
	ChatroomID    int64
	BroadcasterID int64
}

// ResolveChannel looks up a channel slug via the public v2 channels API.
func (a *Adapter) ResolveChannel(ctx context.Context, slug string) (ChannelInfo, error) {
	base := a.ChannelAPIBase
	if base == "" {
		base = "https://kick.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/v2/channels/"+slug, nil)
	if err != nil {
		return ChannelInfo{}, err
	}
	req.Header.Set("User-Agent", browserUA)
	req.Header.Set("Accept", "application/json")
	resp, err := a.http().Do(req)
	if err != nil {
		return ChannelInfo{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return ChannelInfo{}, fmt.Errorf("channel lookup failed: %s: %s", resp.Status, string(b))
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ChannelInfo{}, err
	}

	info := ChannelInfo{}
	var chatroom struct {
		ID int64 `json:"id"`
	}
	if raw, ok := body["chatroom"]; ok {
		if err := json.Unmarshal(raw, &chatroom); err == nil {
			info.ChatroomID = chatroom.ID
		}
	}
	if info.ChatroomID == 0 {
		return ChannelInfo{}, fmt.Errorf("channel %s has no chatroom id", slug)
	}
	// The broadcaster id key has shifted across API revisions.
	for _, key := range []string{"userid", "user_id", "id"} {
		raw, ok := body[key]
		if !ok {
			continue
		}
		var id int64
		if err := json.Unmarshal(raw, &id); err == nil && id != 0 {
			info.BroadcasterID = id
			break
		}
	}
	if info.BroadcasterID == 0 {
		return ChannelInfo{}, fmt.Errorf("channel %s has no broadcaster id", slug)
	}
	return info, nil
}
