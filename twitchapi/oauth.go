package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authorizeURL = "https://id.twitch.tv/oauth2/authorize"
	tokenURL     = "https://id.twitch.tv/oauth2/token"
	validateURL  = "https://id.twitch.tv/oauth2/validate"
)

// BuildAuthorizeURL returns the URL the user visits to grant chat access.
// The implicit grant (response_type=token) delivers the access token in the
// redirect fragment, so no client secret is needed on the completion path.
func BuildAuthorizeURL(clientID, redirectURI string, scopes []string, state string) string {
	q := url.Values{}
	q.Set("client_id", clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "token")
	q.Set("scope", strings.Join(scopes, " "))
	if state != "" {
		q.Set("state", state)
	}
	return authorizeURL + "?" + q.Encode()
}

// ValidateToken checks a user access token against the validate endpoint and
// returns the login it belongs to. A 401 means the token is expired or
// revoked.
func ValidateToken(ctx context.Context, hc *http.Client, token string) (login string, err error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	token = strings.TrimPrefix(token, "oauth:")
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, validateURL, nil)
	req.Header.Set("Authorization", "OAuth "+token)
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode == http.StatusUnauthorized {
		return "", fmt.Errorf("invalid access token")
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token validate failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Login, nil
}

// RefreshToken exchanges a refresh token for a new access/refresh pair. Only
// tokens obtained through the authorization code flow carry refresh tokens;
// implicit-grant tokens cannot be refreshed.
func RefreshToken(ctx context.Context, hc *http.Client, clientID, clientSecret, refreshToken string) (access, refresh string, expiry time.Time, err error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", clientID)
	form.Set("client_secret", clientSecret)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := hc.Do(req)
	if err != nil {
		return "", "", time.Time{}, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", "", time.Time{}, fmt.Errorf("token refresh failed: %s: %s", resp.Status, string(b))
	}
	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", time.Time{}, err
	}
	return body.AccessToken, body.RefreshToken, ComputeExpiry(body.ExpiresIn), nil
}

// ComputeExpiry converts an expires_in seconds value into an absolute expiry,
// shaving a small margin so callers refresh before the token actually dies.
func ComputeExpiry(expiresIn int) time.Time {
	if expiresIn <= 0 {
		return time.Time{}
	}
	d := time.Duration(expiresIn) * time.Second
	if d > 2*time.Minute {
		d -= time.Minute
	}
	return time.Now().Add(d)
}
