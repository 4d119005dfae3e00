// Package youtube ingests live chat by polling the innertube get_live_chat
// endpoint the watch page itself uses, and sends through the official Data
// API v3.
package youtube

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const videoIDLen = 11

var (
	videoIDRe       = regexp.MustCompile(`^[\w-]{11}$`)
	liveVideoIDRe   = regexp.MustCompile(`"videoId":"([\w-]{11})"`)
	canonicalLinkRe = regexp.MustCompile(`rel="canonical" href="[^"]*(?:[?&]v=|/live/)([\w-]{11})`)
)

// errNoLiveVideo means the /live page loaded but yielded no video id: the
// channel exists and is not live, or chat scraping is blocked.
var errNoLiveVideo = errors.New("no live video id on page")

// ResolveVideoID turns user input into a video id. Accepted forms: a bare
// 11-character video id, a watch/short/live URL, or a channel handle (with or
// without the leading @) whose /live page is scraped for the current stream.
// When a handle page yields no id the raw input is returned unchanged, best
// effort, and the join fails later with a clearer chat-page error.
func (a *Adapter) ResolveVideoID(ctx context.Context, input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("channel empty")
	}

	if strings.Contains(input, "youtube.com") || strings.Contains(input, "youtu.be") {
		return a.resolveURL(ctx, input)
	}
	if strings.HasPrefix(input, "@") {
		return a.resolveHandle(ctx, input, input)
	}
	if len(input) == videoIDLen && videoIDRe.MatchString(input) {
		return input, nil
	}
	// Too long (or oddly shaped) to be a video id: treat it as a handle.
	return a.resolveHandle(ctx, "@"+input, input)
}

func (a *Adapter) resolveHandle(ctx context.Context, handle, raw string) (string, error) {
	id, err := a.scrapeLiveVideoID(ctx, handle)
	if errors.Is(err, errNoLiveVideo) {
		return raw, nil
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (a *Adapter) resolveURL(ctx context.Context, raw string) (string, error) {
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if strings.Contains(u.Host, "youtu.be") {
		if id := strings.Trim(u.Path, "/"); len(id) == videoIDLen {
			return id, nil
		}
		return "", fmt.Errorf("no video id in %s", raw)
	}
	if v := u.Query().Get("v"); len(v) == videoIDLen {
		return v, nil
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) >= 2 && (parts[0] == "live" || parts[0] == "shorts") && len(parts[1]) == videoIDLen {
		return parts[1], nil
	}
	if len(parts) >= 1 && strings.HasPrefix(parts[0], "@") {
		return a.resolveHandle(ctx, parts[0], raw)
	}
	return "", fmt.Errorf("unrecognized youtube url: %s", raw)
}

// scrapeLiveVideoID fetches the handle's /live page and extracts the video
// id: first from the final URL after redirects, then from the canonical
// link, then from the first videoId embedded in the player response.
func (a *Adapter) scrapeLiveVideoID(ctx context.Context, handle string) (string, error) {
	base := a.WatchBase
	if base == "" {
		base = "https://www.youtube.com"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/"+handle+"/live", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", browserUA)
	resp, err := a.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: live page status %s: %w", handle, resp.Status, errNoLiveVideo)
	}

	// A live /live page usually redirects to /watch?v={id}.
	if final := resp.Request.URL; final != nil {
		if v := final.Query().Get("v"); len(v) == videoIDLen && videoIDRe.MatchString(v) {
			return v, nil
		}
		parts := strings.Split(strings.Trim(final.Path, "/"), "/")
		if len(parts) >= 2 && parts[0] == "live" && len(parts[1]) == videoIDLen {
			return parts[1], nil
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", err
	}
	if m := canonicalLinkRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}
	if m := liveVideoIDRe.FindSubmatch(body); m != nil {
		return string(m[1]), nil
	}
	return "", fmt.Errorf("%s: %w", handle, errNoLiveVideo)
}
