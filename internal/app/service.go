package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/Ciach0/nerimity-server/internal/broadcast"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// Events written to live connections.
const (
	EventHello               = "hello"
	EventMessageCreated      = "message_created"
	EventServerJoined        = "server_joined"
	EventServerLeft          = "server_left"
	EventServerMemberJoined  = "server_member_joined"
	EventServerMemberLeft    = "server_member_left"
	EventServerMemberUpdated = "server_member_updated"
)

const (
	// membershipLoadTimeout bounds a shared membership load, which outlives any single caller.
	membershipLoadTimeout = 10 * time.Second
	// maxConnectResyncs caps how often Connect reloads memberships that changed mid-connect.
	maxConnectResyncs = 3
	epochStripes      = 256
)

// MessageNotifier hands a new message to the push pipeline without blocking.
type MessageNotifier interface {
	NotifyMessage(event domain.MessageEvent)
}

// Service is the application layer. It is the only component that references the
// registry, the broadcaster, the repositories and the push pipeline together.
type Service struct {
	users       domain.UserRepository
	memberships domain.MembershipRepository
	registry    *broadcast.Registry
	broadcaster *broadcast.Broadcaster
	notifier    MessageNotifier
	clock       clockwork.Clock
	loadGroup   singleflight.Group

	// epochs count membership changes per user, striped by user ID hash.
	epochs [epochStripes]atomic.Uint64
}

func NewService(users domain.UserRepository, memberships domain.MembershipRepository, registry *broadcast.Registry, broadcaster *broadcast.Broadcaster, notifier MessageNotifier, clock clockwork.Clock) *Service {
	return &Service{
		users:       users,
		memberships: memberships,
		registry:    registry,
		broadcaster: broadcaster,
		notifier:    notifier,
		clock:       clock,
	}
}

type HelloPayload struct {
	ConnectionID string   `json:"connectionId"`
	ServerIDs    []string `json:"serverIds"`
}

// Connect registers conn and joins it to the user's inbox and to every scope the user
// can see in the servers they belong to. Concurrent connects of the same user share one
// membership load. A join or leave that lands while the load is in flight is reconciled
// before the hello is sent.
func (s *Service) Connect(ctx context.Context, conn broadcast.Conn) error {
	s.registry.Register(conn)

	epoch := s.epoch(conn.UserID())
	memberships, err := s.loadMemberships(ctx, conn.UserID())
	if err != nil {
		s.registry.Disconnect(conn)
		return err
	}

	scopes := connectScopes(conn.UserID(), memberships)
	if !s.registry.Join(conn, scopes...) {
		// Disconnected while memberships were loading.
		return nil
	}

	for i := 0; i < maxConnectResyncs; i++ {
		current := s.epoch(conn.UserID())
		if current == epoch {
			break
		}
		epoch = current

		memberships, err = s.memberships.MembershipsForUser(ctx, conn.UserID())
		if err != nil {
			s.registry.Disconnect(conn)
			return fmt.Errorf("failed to reload memberships: %w", err)
		}
		if !s.resync(conn, connectScopes(conn.UserID(), memberships)) {
			return nil
		}
	}

	serverIDs := make([]string, 0, len(memberships))
	for _, ms := range memberships {
		serverIDs = append(serverIDs, ms.Server.ID)
	}

	s.broadcaster.EmitTo(conn, EventHello, HelloPayload{ConnectionID: conn.ID(), ServerIDs: serverIDs})
	slog.DebugContext(ctx, "Connection joined scopes", "conn_id", conn.ID(), "user_id", conn.UserID(), "scopes", len(s.registry.Scopes(conn)))
	return nil
}

func connectScopes(userID string, memberships []domain.Membership) []domain.Scope {
	scopes := []domain.Scope{domain.InboxScope(userID)}
	for _, ms := range memberships {
		scopes = append(scopes, ms.VisibleScopes()...)
	}
	return scopes
}

// resync makes conn a member of exactly want. It reports false if conn is gone.
func (s *Service) resync(conn broadcast.Conn, want []domain.Scope) bool {
	keep := make(map[domain.Scope]struct{}, len(want))
	for _, scope := range want {
		keep[scope] = struct{}{}
	}
	var stale []domain.Scope
	for _, scope := range s.registry.Scopes(conn) {
		if _, ok := keep[scope]; !ok {
			stale = append(stale, scope)
		}
	}
	s.registry.Leave(conn, stale...)
	return s.registry.Join(conn, want...)
}

// loadMemberships runs on a context detached from the caller, since one canceled
// caller must not fail the others waiting on the same load.
func (s *Service) loadMemberships(ctx context.Context, userID string) ([]domain.Membership, error) {
	ch := s.loadGroup.DoChan(userID, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), membershipLoadTimeout)
		defer cancel()
		return s.memberships.MembershipsForUser(loadCtx, userID)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to load memberships: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("failed to load memberships: %w", res.Err)
		}
		return res.Val.([]domain.Membership), nil
	}
}

func (s *Service) epoch(userID string) uint64 {
	return s.epochs[epochStripe(userID)].Load()
}

// bumpEpoch must run after the membership change is stored and before live
// connections are updated.
func (s *Service) bumpEpoch(userID string) {
	s.epochs[epochStripe(userID)].Add(1)
}

func epochStripe(userID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return h.Sum32() % epochStripes
}

// Disconnect removes conn from every scope and closes it. It is safe to call more than once.
func (s *Service) Disconnect(conn broadcast.Conn) {
	s.registry.Disconnect(conn)
	conn.Close()
}

// ServerMessageInput describes a message posted to a server channel.
// OriginConnID is the live connection the author posted from, if any. RateLimited marks
// a message admitted through a passthrough rejection; it is delivered live but not pushed.
type ServerMessageInput struct {
	AuthorID     string
	ServerID     string
	ChannelID    string
	Content      string
	Mentions     []string
	Nonce        string
	OriginConnID string
	RateLimited  bool
}

type DirectMessageInput struct {
	AuthorID     string
	RecipientID  string
	Content      string
	Nonce        string
	OriginConnID string
	RateLimited  bool
}

// MessagePayload is the message_created event body. Nonce is only set on the echo sent
// to the originating connection.
type MessagePayload struct {
	Message domain.Message `json:"message"`
	Nonce   string         `json:"nonce,omitempty"`
}

func (s *Service) SendServerMessage(ctx context.Context, in ServerMessageInput) (*domain.Message, error) {
	content, err := normalizeContent(in.Content)
	if err != nil {
		return nil, err
	}

	ms, err := s.memberships.Membership(ctx, in.ServerID, in.AuthorID)
	if err != nil {
		return nil, err
	}
	channel, ok := ms.Server.Channel(in.ChannelID)
	if !ok || (channel.Private && !ms.Privileged()) {
		return nil, domain.ErrChannelNotFound
	}

	author, err := s.users.GetByID(ctx, in.AuthorID)
	if err != nil {
		return nil, err
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		ChannelID: channel.ID,
		ServerID:  ms.Server.ID,
		Content:   content,
		Mentions:  uniqueIDs(in.Mentions),
		Author:    author.Author(),
		CreatedAt: s.clock.Now().UTC(),
	}

	s.publishMessage([]domain.Scope{domain.ChannelScope(channel.ID)}, msg, in.OriginConnID, in.Nonce)

	if in.RateLimited {
		slog.DebugContext(ctx, "Skipping push for rate limited message", "message_id", msg.ID, "user_id", in.AuthorID)
	} else {
		s.notifier.NotifyMessage(domain.MessageEvent{
			Message:     msg,
			ServerName:  ms.Server.Name,
			ChannelName: channel.Name,
		})
	}
	return &msg, nil
}

func (s *Service) SendDirectMessage(ctx context.Context, in DirectMessageInput) (*domain.Message, error) {
	content, err := normalizeContent(in.Content)
	if err != nil {
		return nil, err
	}

	author, err := s.users.GetByID(ctx, in.AuthorID)
	if err != nil {
		return nil, err
	}
	if _, err := s.users.GetByID(ctx, in.RecipientID); err != nil {
		return nil, err
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		ChannelID: DirectChannelID(in.AuthorID, in.RecipientID),
		Content:   content,
		Author:    author.Author(),
		CreatedAt: s.clock.Now().UTC(),
	}

	scopes := []domain.Scope{domain.InboxScope(in.RecipientID)}
	if in.RecipientID != in.AuthorID {
		scopes = append(scopes, domain.InboxScope(in.AuthorID))
	}
	s.publishMessage(scopes, msg, in.OriginConnID, in.Nonce)

	if !in.RateLimited {
		s.notifier.NotifyMessage(domain.MessageEvent{Message: msg, RecipientID: in.RecipientID})
	}
	return &msg, nil
}

// publishMessage emits msg to every scope except the origin, which gets its own copy
// carrying the client nonce. The origin only counts if it belongs to the author.
func (s *Service) publishMessage(scopes []domain.Scope, msg domain.Message, originConnID, nonce string) {
	origin := broadcast.ConnRef{ID: originConnID, UserID: msg.Author.ID}
	payload := MessagePayload{Message: msg}
	for _, scope := range scopes {
		s.broadcaster.Emit(scope, EventMessageCreated, payload, origin)
	}
	s.broadcaster.EmitToConn(origin, EventMessageCreated, MessagePayload{Message: msg, Nonce: nonce})
}

type ServerJoinedPayload struct {
	Server domain.Server `json:"server"`
	Member domain.Member `json:"member"`
}

type MemberJoinedPayload struct {
	ServerID string        `json:"serverId"`
	Member   domain.Member `json:"member"`
}

type MemberLeftPayload struct {
	ServerID string `json:"serverId"`
	UserID   string `json:"userId"`
}

type ServerLeftPayload struct {
	ServerID string `json:"serverId"`
}

type MemberUpdatedPayload struct {
	ServerID string   `json:"serverId"`
	UserID   string   `json:"userId"`
	RoleIDs  []string `json:"roleIds"`
}

// JoinServer adds userID to the server and joins every live connection of the user on
// this instance to the scopes they may see. Private channels are filtered once, here.
func (s *Service) JoinServer(ctx context.Context, serverID, userID string) (*domain.Membership, error) {
	ms, err := s.memberships.AddMember(ctx, serverID, userID)
	if err != nil {
		return nil, err
	}
	s.bumpEpoch(userID)

	s.broadcaster.Emit(domain.ServerScope(serverID), EventServerMemberJoined, MemberJoinedPayload{
		ServerID: serverID,
		Member:   ms.Member,
	}, broadcast.ConnRef{})

	scopes := ms.VisibleScopes()
	for _, conn := range s.registry.UserConns(userID) {
		s.registry.Join(conn, scopes...)
	}

	s.broadcaster.Emit(domain.InboxScope(userID), EventServerJoined, ServerJoinedPayload{
		Server: ms.Server,
		Member: ms.Member,
	}, broadcast.ConnRef{})

	slog.InfoContext(ctx, "User joined server", "server_id", serverID, "user_id", userID)
	return ms, nil
}

// LeaveServer removes userID from the server and from the server scope and all of its
// channel scopes on every local connection of the user.
func (s *Service) LeaveServer(ctx context.Context, serverID, userID string) error {
	server, err := s.memberships.Server(ctx, serverID)
	if err != nil {
		return err
	}
	if server.CreatorID == userID {
		return domain.ErrCreatorCannotLeave
	}

	if err := s.memberships.RemoveMember(ctx, serverID, userID); err != nil {
		return err
	}
	s.bumpEpoch(userID)

	scopes := server.AllScopes()
	for _, conn := range s.registry.UserConns(userID) {
		s.registry.Leave(conn, scopes...)
	}

	s.broadcaster.Emit(domain.ServerScope(serverID), EventServerMemberLeft, MemberLeftPayload{
		ServerID: serverID,
		UserID:   userID,
	}, broadcast.ConnRef{})
	s.broadcaster.Emit(domain.InboxScope(userID), EventServerLeft, ServerLeftPayload{ServerID: serverID}, broadcast.ConnRef{})

	slog.InfoContext(ctx, "User left server", "server_id", serverID, "user_id", userID)
	return nil
}

// UpdateMemberRoles replaces the roles of targetID. Only the creator and admins may do this.
func (s *Service) UpdateMemberRoles(ctx context.Context, serverID, actorID, targetID string, roleIDs []string) (*domain.Member, error) {
	actor, err := s.memberships.Membership(ctx, serverID, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Privileged() {
		return nil, domain.ErrNotPermitted
	}

	member, err := s.memberships.SetMemberRoles(ctx, serverID, targetID, uniqueIDs(roleIDs))
	if err != nil {
		return nil, err
	}

	s.broadcaster.Emit(domain.ServerScope(serverID), EventServerMemberUpdated, MemberUpdatedPayload{
		ServerID: serverID,
		UserID:   targetID,
		RoleIDs:  member.RoleIDs,
	}, broadcast.ConnRef{})
	return member, nil
}

// DirectChannelID returns the channel ID shared by two users, independent of order.
func DirectChannelID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm:" + a + ":" + b
}

func normalizeContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > domain.MaxMessageLength {
		return "", domain.ErrMessageTooLong
	}
	return content, nil
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return []string{}
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
