// Package kick connects to Kick chat by subscribing to the channel's Pusher
// chatroom over websocket, and sends messages through the public REST API.
package kick

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const verifierAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// OAuth drives the PKCE authorization code flow. Kick requires S256 code
// challenges; the verifier generated by Start is held until Complete consumes
// it, and starting a new flow replaces any pending one.
type OAuth struct {
	ClientID    string
	RedirectURI string
	Scopes      []string
	RelayURL    string
	HTTPClient  *http.Client

	mu       sync.Mutex
	verifier string
}

func (o *OAuth) http() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// Start generates a fresh PKCE verifier and returns the authorize URL for the
// user to visit.
func (o *OAuth) Start(state string) (string, error) {
	verifier, err := randomVerifier(32)
	if err != nil {
		return "", err
	}
	o.mu.Lock()
	o.verifier = verifier
	o.mu.Unlock()

	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	q := url.Values{}
	q.Set("client_id", o.ClientID)
	q.Set("redirect_uri", o.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(o.Scopes, " "))
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	if state != "" {
		q.Set("state", state)
	}
	return "https://id.kick.com/oauth/authorize?" + q.Encode(), nil
}

// Complete exchanges the authorization code for a token through the relay and
// consumes the pending verifier. The relay holds the client secret so the
// exchange can happen without embedding it here.
func (o *OAuth) Complete(ctx context.Context, code string) (accessToken string, err error) {
	o.mu.Lock()
	verifier := o.verifier
	o.verifier = ""
	o.mu.Unlock()
	if verifier == "" {
		return "", fmt.Errorf("no pending authorization: call start first")
	}
	if o.RelayURL == "" {
		return "", fmt.Errorf("token relay url not configured")
	}

	payload, _ := json.Marshal(map[string]string{
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  o.RedirectURI,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.RelayURL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := o.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed: %s: %s", resp.Status, string(raw))
	}
	var body struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("decode relay response %q: %w", string(raw), err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("no access_token in relay response: %s", string(raw))
	}
	return body.AccessToken, nil
}

// randomVerifier produces an n-character alphanumeric PKCE verifier.
func randomVerifier(n int) (string, error) {
	out := make([]byte, n)
	max := big.NewInt(int64(len(verifierAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = verifierAlphabet[idx.Int64()]
	}
	return string(out), nil
}
