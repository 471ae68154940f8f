package domain

import (
	"fmt"
	"strings"
)

type ScopeKind string

const (
	ScopeServer  ScopeKind = "server"
	ScopeChannel ScopeKind = "channel"
	ScopeInbox   ScopeKind = "inbox"
)

// Scope is a broadcast audience. Inbox scopes are per user and carry direct messages
// and account-level events. It encodes as its String form, e.g. "channel:c1".
type Scope struct {
	Kind ScopeKind
	ID   string
}

func ServerScope(serverID string) Scope   { return Scope{Kind: ScopeServer, ID: serverID} }
func ChannelScope(channelID string) Scope { return Scope{Kind: ScopeChannel, ID: channelID} }
func InboxScope(userID string) Scope      { return Scope{Kind: ScopeInbox, ID: userID} }

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// ParseScope is the inverse of Scope.String.
func ParseScope(raw string) (Scope, error) {
	kind, id, ok := strings.Cut(raw, ":")
	if !ok || id == "" {
		return Scope{}, fmt.Errorf("invalid scope %q", raw)
	}
	switch ScopeKind(kind) {
	case ScopeServer, ScopeChannel, ScopeInbox:
		return Scope{Kind: ScopeKind(kind), ID: id}, nil
	default:
		return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
	}
}

func (s Scope) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Scope) UnmarshalText(text []byte) error {
	parsed, err := ParseScope(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
