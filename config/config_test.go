package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"TWITCH_CLIENT_ID", "TWITCH_CLIENT_SECRET", "TWITCH_REDIRECT_URI", "TWITCH_SCOPES",
		"KICK_CLIENT_ID", "KICK_REDIRECT_URI", "KICK_SCOPES", "KICK_TOKEN_RELAY_URL",
		"KICK_PUSHER_KEY", "KICK_PUSHER_CLUSTER",
		"YT_CLIENT_ID", "YT_CLIENT_SECRET", "YT_REDIRECT_URI", "YT_SCOPES",
		"YT_POLL_INTERVAL", "YT_POLL_BACKOFF", "DB_DSN",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TwitchScopes != "chat:read chat:edit" {
		t.Errorf("TwitchScopes = %q", cfg.TwitchScopes)
	}
	if cfg.KickScopes != "user:read channel:read chat:write" {
		t.Errorf("KickScopes = %q", cfg.KickScopes)
	}
	if cfg.KickPusherKey != "32cbd69e4b950bf97679" {
		t.Errorf("KickPusherKey = %q", cfg.KickPusherKey)
	}
	if cfg.KickPusherCluster != "us2" {
		t.Errorf("KickPusherCluster = %q", cfg.KickPusherCluster)
	}
	if cfg.YTPollInterval != time.Second {
		t.Errorf("YTPollInterval = %v", cfg.YTPollInterval)
	}
	if cfg.YTPollBackoff != 5*time.Second {
		t.Errorf("YTPollBackoff = %v", cfg.YTPollBackoff)
	}
	if cfg.DBDsn == "" {
		t.Error("DBDsn default missing")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TWITCH_SCOPES", "chat:read")
	t.Setenv("KICK_PUSHER_CLUSTER", "eu")
	t.Setenv("YT_POLL_INTERVAL", "250ms")
	t.Setenv("DB_DSN", "postgres://x:y@db:5432/chat")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.TwitchScopes != "chat:read" {
		t.Errorf("TwitchScopes = %q", cfg.TwitchScopes)
	}
	if cfg.KickPusherCluster != "eu" {
		t.Errorf("KickPusherCluster = %q", cfg.KickPusherCluster)
	}
	if cfg.YTPollInterval != 250*time.Millisecond {
		t.Errorf("YTPollInterval = %v", cfg.YTPollInterval)
	}
	if cfg.DBDsn != "postgres://x:y@db:5432/chat" {
		t.Errorf("DBDsn = %q", cfg.DBDsn)
	}
}

func TestDurationEnvRejectsGarbage(t *testing.T) {
	t.Setenv("YT_POLL_INTERVAL", "not-a-duration")
	if got := durationEnv("YT_POLL_INTERVAL", time.Second); got != time.Second {
		t.Errorf("durationEnv(garbage) = %v, want default", got)
	}
	t.Setenv("YT_POLL_INTERVAL", "-5s")
	if got := durationEnv("YT_POLL_INTERVAL", time.Second); got != time.Second {
		t.Errorf("durationEnv(negative) = %v, want default", got)
	}
}

func TestValidateReadiness(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.ValidateTwitchOAuthReady(); err == nil {
		t.Error("ValidateTwitchOAuthReady passed without credentials")
	}
	if err := cfg.ValidateKickOAuthReady(); err == nil {
		t.Error("ValidateKickOAuthReady passed without credentials")
	}
	if err := cfg.ValidateYouTubeOAuthReady(); err == nil {
		t.Error("ValidateYouTubeOAuthReady passed without credentials")
	}

	cfg.TwitchClientID = "id"
	cfg.TwitchRedirectURI = "http://localhost/auth/twitch/complete"
	if err := cfg.ValidateTwitchOAuthReady(); err != nil {
		t.Errorf("ValidateTwitchOAuthReady: %v", err)
	}

	cfg.KickClientID = "id"
	cfg.KickRedirectURI = "http://localhost/auth/kick/complete"
	cfg.KickTokenRelayURL = "https://relay.example.com/exchange"
	if err := cfg.ValidateKickOAuthReady(); err != nil {
		t.Errorf("ValidateKickOAuthReady: %v", err)
	}

	cfg.YTClientID = "id"
	cfg.YTRedirectURI = "http://localhost/auth/youtube/complete"
	if err := cfg.ValidateYouTubeOAuthReady(); err != nil {
		t.Errorf("ValidateYouTubeOAuthReady: %v", err)
	}
}
