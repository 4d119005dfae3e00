package session

import (
	"fmt"
	"strings"

	"github.com/onnwee/multichat/message"
)

// Kind buckets session errors so callers can react differently to each:
// resolution failures are join errors, auth failures prompt re-auth,
// transport failures terminate the session, decode failures skip one frame,
// send failures surface synchronously to the caller.
type Kind int

const (
	KindResolution Kind = iota
	KindTransport
	KindAuth
	KindDecode
	KindSend
)

// String returns a human-readable name for the error kind.
func (k Kind) String() string {
	switch k {
	case KindResolution:
		return "resolution"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindDecode:
		return "decode"
	case KindSend:
		return "send"
	default:
		return "unknown"
	}
}

// Error tags an underlying failure with its kind and originating platform.
type Error struct {
	Kind     Kind
	Platform message.Platform
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s error: %v", e.Platform, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind and platform tag.
func NewError(kind Kind, p message.Platform, err error) *Error {
	return &Error{Kind: kind, Platform: p, Err: err}
}

// IsAuthError classifies an error as an authentication failure by known
// provider phrasings, so the UI can prompt for re-authentication instead of
// treating it as a transient network problem.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*Error); ok && se.Kind == KindAuth {
		return true
	}
	lower := strings.ToLower(err.Error())
	patterns := []string{
		"login authentication failed",
		"authentication failed",
		"invalid access token",
		"invalid oauth token",
		"token is expired",
		"401",
		"unauthorized",
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
