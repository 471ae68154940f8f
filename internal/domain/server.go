package domain

import (
	"context"
	"time"
)

type Channel struct {
	ID       string `json:"id"`
	ServerID string `json:"serverId"`
	Name     string `json:"name"`
	Private  bool   `json:"private"`
}

type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creatorId"`
	Channels  []Channel `json:"channels"`
	CreatedAt time.Time `json:"createdAt"`
}

// Channel returns the channel with the given ID.
func (s *Server) Channel(channelID string) (Channel, bool) {
	for _, ch := range s.Channels {
		if ch.ID == channelID {
			return ch, true
		}
	}
	return Channel{}, false
}

// Member is a user's membership in a server.
type Member struct {
	ServerID string    `json:"serverId"`
	UserID   string    `json:"userId"`
	Admin    bool      `json:"admin"`
	RoleIDs  []string  `json:"roleIds"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Membership pairs a server with the user's member record in it.
type Membership struct {
	Server Server
	Member Member
}

// Privileged reports whether the member sees private channels.
func (m Membership) Privileged() bool {
	return m.Member.Admin || m.Server.CreatorID == m.Member.UserID
}

// VisibleScopes returns the server scope plus every channel scope the member may join.
// Private channels are only included for the creator and admins.
func (m Membership) VisibleScopes() []Scope {
	scopes := make([]Scope, 0, len(m.Server.Channels)+1)
	scopes = append(scopes, ServerScope(m.Server.ID))
	privileged := m.Privileged()
	for _, ch := range m.Server.Channels {
		if ch.Private && !privileged {
			continue
		}
		scopes = append(scopes, ChannelScope(ch.ID))
	}
	return scopes
}

// AllScopes returns the server scope and every channel scope regardless of visibility.
func (s *Server) AllScopes() []Scope {
	scopes := make([]Scope, 0, len(s.Channels)+1)
	scopes = append(scopes, ServerScope(s.ID))
	for _, ch := range s.Channels {
		scopes = append(scopes, ChannelScope(ch.ID))
	}
	return scopes
}

// MembershipRepository reads and mutates server membership.
type MembershipRepository interface {
	Server(ctx context.Context, serverID string) (*Server, error)
	Membership(ctx context.Context, serverID, userID string) (*Membership, error)
	MembershipsForUser(ctx context.Context, userID string) ([]Membership, error)
	AddMember(ctx context.Context, serverID, userID string) (*Membership, error)
	RemoveMember(ctx context.Context, serverID, userID string) error
	SetMemberRoles(ctx context.Context, serverID, userID string, roleIDs []string) (*Member, error)
}
