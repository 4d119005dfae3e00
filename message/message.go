// Package message defines the normalized chat event model shared by all
// platform adapters. Every inbound frame, regardless of source protocol, is
// decoded into a Message before it leaves its adapter.
package message

import (
	"time"
	"unicode/utf8"
)

// Platform identifies the originating chat service.
type Platform string

const (
	PlatformTwitch  Platform = "twitch"
	PlatformYouTube Platform = "youtube"
	PlatformKick    Platform = "kick"
)

// Valid reports whether p is one of the known platforms.
func (p Platform) Valid() bool {
	switch p {
	case PlatformTwitch, PlatformYouTube, PlatformKick:
		return true
	}
	return false
}

// Kind distinguishes ordinary chat lines from system events (cheers,
// redemptions, subscriptions, raids).
type Kind string

const (
	KindChat   Kind = "chat"
	KindSystem Kind = "system"
)

// Emote marks an emote or emoji span inside a message body. Start and End are
// Unicode code point offsets into Body: Twitch reports code-point ranges on
// the wire, and the YouTube adapter computes code-point offsets while it
// assembles the body, so a single unit holds across platforms.
type Emote struct {
	ID    string `json:"id"`
	Code  string `json:"code"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// Message is the platform-agnostic chat event emitted by adapters.
// ID is the platform-native message id and is what consumers de-duplicate on.
// Timestamp is the local wall-clock time of receipt, not any
// platform-reported time.
type Message struct {
	ID         string    `json:"id"`
	Platform   Platform  `json:"platform"`
	Username   string    `json:"username"`
	Body       string    `json:"message"`
	Color      string    `json:"color,omitempty"`
	Badges     []string  `json:"badges"`
	IsMod      bool      `json:"is_mod"`
	IsVIP      bool      `json:"is_vip"`
	IsMember   bool      `json:"is_member"`
	Timestamp  time.Time `json:"timestamp"`
	Emotes     []Emote   `json:"emotes"`
	Kind       Kind      `json:"msg_type"`
	SystemNote string    `json:"system_message,omitempty"`
}

// ValidateEmotes reports whether every emote span fits inside the body.
// Used by adapter tests to hold the offset invariant
// 0 <= Start <= End <= len(body in code points).
func (m *Message) ValidateEmotes() bool {
	n := utf8.RuneCountInString(m.Body)
	for _, e := range m.Emotes {
		if e.Start < 0 || e.Start > e.End || e.End > n {
			return false
		}
	}
	return true
}
