package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	dbpkg "github.com/onnwee/multichat/db"
	"github.com/onnwee/multichat/message"
	"github.com/onnwee/multichat/twitchapi"
)

func (h *Handlers) newOAuthState(w http.ResponseWriter) (string, bool) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", 500)
		return "", false
	}
	st := hex.EncodeToString(b)
	h.addOAuthState(st, time.Now().Add(10*time.Minute))
	return st, true
}

// persistToken stores a granted token and announces it to the UI.
func (h *Handlers) persistToken(r *http.Request, p message.Platform, access, refresh string, expiry time.Time, scope string) {
	h.setPlatformToken(p, access)
	h.hub.AuthToken(access)
	if h.db == nil {
		return
	}
	if err := dbpkg.UpsertOAuthToken(r.Context(), h.db, string(p), access, refresh, expiry, scope); err != nil {
		slog.Warn("failed to persist oauth token", slog.String("provider", string(p)), slog.Any("err", err))
	}
}

// HandleTwitchOAuthStart redirects to the Twitch implicit grant authorize URL.
func (h *Handlers) HandleTwitchOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateTwitchOAuthReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, ok := h.newOAuthState(w)
	if !ok {
		return
	}
	authURL := twitchapi.BuildAuthorizeURL(h.cfg.TwitchClientID, h.cfg.TwitchRedirectURI, strings.Fields(h.cfg.TwitchScopes), st)
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleTwitchOAuthComplete accepts the access token the frontend extracted
// from the redirect fragment. The token is validated before being stored.
func (h *Handlers) HandleTwitchOAuthComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Token string `json:"token"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "missing token", 400)
		return
	}
	if req.State != "" && !h.takeOAuthState(req.State) {
		http.Error(w, "invalid state", 400)
		return
	}
	login, err := twitchapi.ValidateToken(r.Context(), nil, req.Token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	// Implicit-grant tokens carry no refresh token and no reliable expiry.
	h.persistToken(r, message.PlatformTwitch, req.Token, "", time.Time{}, h.cfg.TwitchScopes)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "login": login})
}

// HandleKickOAuthStart begins the Kick PKCE flow and redirects to Kick.
func (h *Handlers) HandleKickOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateKickOAuthReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, ok := h.newOAuthState(w)
	if !ok {
		return
	}
	authURL, err := h.kickAuth.Start(st)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleKickOAuthComplete exchanges the authorization code through the relay.
func (h *Handlers) HandleKickOAuthComplete(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	token, err := h.kickAuth.Complete(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	h.persistToken(r, message.PlatformKick, token, "", time.Time{}, h.cfg.KickScopes)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handlers) youtubeOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     h.cfg.YTClientID,
		ClientSecret: h.cfg.YTClientSecret,
		RedirectURL:  h.cfg.YTRedirectURI,
		Scopes:       strings.Fields(h.cfg.YTScopes),
		Endpoint:     google.Endpoint,
	}
}

// HandleYouTubeOAuthStart redirects to the Google consent screen. Offline
// access is requested so a refresh token is granted.
func (h *Handlers) HandleYouTubeOAuthStart(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.ValidateYouTubeOAuthReady(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st, ok := h.newOAuthState(w)
	if !ok {
		return
	}
	authURL := h.youtubeOAuthConfig().AuthCodeURL(st, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleYouTubeOAuthComplete exchanges the authorization code and stores the
// token pair.
func (h *Handlers) HandleYouTubeOAuthComplete(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	st := r.URL.Query().Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", 400)
		return
	}
	if !h.takeOAuthState(st) {
		http.Error(w, "invalid state", 400)
		return
	}
	tok, err := h.youtubeOAuthConfig().Exchange(r.Context(), code)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	h.persistToken(r, message.PlatformYouTube, tok.AccessToken, tok.RefreshToken, tok.Expiry, h.cfg.YTScopes)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"refresh_token_present": tok.RefreshToken != "",
	})
}
