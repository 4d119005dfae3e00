package twitch

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	twitchirc "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/multichat/message"
)

// subNotifyColor is the accent color applied to subscription notices.
const subNotifyColor = "#9146FF"

// decodePrivate maps a PRIVMSG into the normalized model. Bits cheers and
// channel point redemptions become system messages carrying the original chat
// text as the body.
func decodePrivate(m twitchirc.PrivateMessage) message.Message {
	out := message.Message{
		ID:        m.ID,
		Platform:  message.PlatformTwitch,
		Username:  displayName(m.User),
		Body:      m.Message,
		Color:     m.User.Color,
		Badges:    sortedBadges(m.User.Badges),
		IsMod:     hasBadge(m.User.Badges, "moderator") || hasBadge(m.User.Badges, "broadcaster"),
		IsVIP:     hasBadge(m.User.Badges, "vip"),
		IsMember:  hasBadge(m.User.Badges, "subscriber") || hasBadge(m.User.Badges, "founder"),
		Timestamp: time.Now().UTC(),
		Emotes:    convertEmotes(m.Emotes),
		Kind:      message.KindChat,
	}
	switch {
	case m.Bits > 0:
		out.Kind = message.KindSystem
		out.SystemNote = fmt.Sprintf("Cheered %d Bits!", m.Bits)
	case m.CustomRewardID != "":
		out.Kind = message.KindSystem
		out.SystemNote = "Redeemed a Channel Reward!"
	}
	return out
}

// decodeUserNotice maps a USERNOTICE (subs, resubs, gifts, raids) into a
// system message. Notices with no system text carry nothing to show and are
// dropped.
func decodeUserNotice(m twitchirc.UserNoticeMessage) (message.Message, bool) {
	if m.SystemMsg == "" {
		return message.Message{}, false
	}
	id := m.ID
	if id == "" {
		id = strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
	}
	return message.Message{
		ID:         id,
		Platform:   message.PlatformTwitch,
		Username:   displayName(m.User),
		Body:       m.Message,
		Color:      subNotifyColor,
		Badges:     sortedBadges(m.User.Badges),
		Timestamp:  time.Now().UTC(),
		Kind:       message.KindSystem,
		SystemNote: m.SystemMsg,
	}, true
}

func displayName(u twitchirc.User) string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Name
}

func hasBadge(badges map[string]int, name string) bool {
	_, ok := badges[name]
	return ok
}

// sortedBadges flattens the badge map into a deterministic slice.
func sortedBadges(badges map[string]int) []string {
	if len(badges) == 0 {
		return nil
	}
	out := make([]string, 0, len(badges))
	for name := range badges {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// convertEmotes flattens per-emote position lists into one entry per
// occurrence. Offsets are code-point indices as delivered by the IRC tags.
func convertEmotes(emotes []*twitchirc.Emote) []message.Emote {
	if len(emotes) == 0 {
		return nil
	}
	var out []message.Emote
	for _, e := range emotes {
		if e == nil {
			continue
		}
		for _, p := range e.Positions {
			out = append(out, message.Emote{ID: e.ID, Code: e.Name, Start: p.Start, End: p.End})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
