package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/broadcast"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockUserRepo struct {
	getByIDFn func(ctx context.Context, userID string) (*domain.User, error)
}

func (m *mockUserRepo) GetByID(ctx context.Context, userID string) (*domain.User, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, userID)
	}
	return &domain.User{ID: userID, Username: "user_" + userID}, nil
}

type mockMembershipRepo struct {
	serverFn             func(ctx context.Context, serverID string) (*domain.Server, error)
	membershipFn         func(ctx context.Context, serverID, userID string) (*domain.Membership, error)
	membershipsForUserFn func(ctx context.Context, userID string) ([]domain.Membership, error)
	addMemberFn          func(ctx context.Context, serverID, userID string) (*domain.Membership, error)
	removeMemberFn       func(ctx context.Context, serverID, userID string) error
	setMemberRolesFn     func(ctx context.Context, serverID, userID string, roleIDs []string) (*domain.Member, error)
}

func (m *mockMembershipRepo) Server(ctx context.Context, serverID string) (*domain.Server, error) {
	if m.serverFn != nil {
		return m.serverFn(ctx, serverID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockMembershipRepo) Membership(ctx context.Context, serverID, userID string) (*domain.Membership, error) {
	if m.membershipFn != nil {
		return m.membershipFn(ctx, serverID, userID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockMembershipRepo) MembershipsForUser(ctx context.Context, userID string) ([]domain.Membership, error) {
	if m.membershipsForUserFn != nil {
		return m.membershipsForUserFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockMembershipRepo) AddMember(ctx context.Context, serverID, userID string) (*domain.Membership, error) {
	if m.addMemberFn != nil {
		return m.addMemberFn(ctx, serverID, userID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockMembershipRepo) RemoveMember(ctx context.Context, serverID, userID string) error {
	if m.removeMemberFn != nil {
		return m.removeMemberFn(ctx, serverID, userID)
	}
	return nil
}

func (m *mockMembershipRepo) SetMemberRoles(ctx context.Context, serverID, userID string, roleIDs []string) (*domain.Member, error) {
	if m.setMemberRolesFn != nil {
		return m.setMemberRolesFn(ctx, serverID, userID, roleIDs)
	}
	return &domain.Member{ServerID: serverID, UserID: userID, RoleIDs: roleIDs}, nil
}

type mockNotifier struct {
	mu     sync.Mutex
	events []domain.MessageEvent
}

func (m *mockNotifier) NotifyMessage(event domain.MessageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *mockNotifier) notified() []domain.MessageEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.MessageEvent(nil), m.events...)
}

// fakeConn records raw frames in memory.
type fakeConn struct {
	id     string
	userID string

	mu     sync.Mutex
	raw    [][]byte
	closed bool
}

func newFakeConn(id, userID string) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string     { return c.id }
func (c *fakeConn) UserID() string { return c.userID }

func (c *fakeConn) Send(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.raw = append(c.raw, frame)
	return true
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events returns the event names received, in order.
func (c *fakeConn) events(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.raw))
	for _, raw := range c.raw {
		var f broadcast.Frame
		require.NoError(t, json.Unmarshal(raw, &f))
		out = append(out, f.Event)
	}
	return out
}

// lastData decodes the payload of the last frame into v.
func (c *fakeConn) lastData(t *testing.T, v any) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.raw)
	var f struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(c.raw[len(c.raw)-1], &f))
	require.NoError(t, json.Unmarshal(f.Data, v))
}

type testEnv struct {
	service     *Service
	registry    *broadcast.Registry
	users       *mockUserRepo
	memberships *mockMembershipRepo
	notifier    *mockNotifier
	clock       *clockwork.FakeClock
}

func newTestEnv() *testEnv {
	m := metrics.NewBroadcastMetrics(prometheus.NewRegistry())
	registry := broadcast.NewRegistry(m)
	env := &testEnv{
		registry:    registry,
		users:       &mockUserRepo{},
		memberships: &mockMembershipRepo{},
		notifier:    &mockNotifier{},
		clock:       clockwork.NewFakeClock(),
	}
	env.service = NewService(env.users, env.memberships, registry, broadcast.NewBroadcaster(registry, m), env.notifier, env.clock)
	return env
}

// testServer has a public channel c1 and a private channel secret, created by owner.
func testServer() domain.Server {
	return domain.Server{
		ID:        "s1",
		Name:      "Server One",
		CreatorID: "owner",
		Channels: []domain.Channel{
			{ID: "c1", ServerID: "s1", Name: "general"},
			{ID: "secret", ServerID: "s1", Name: "staff", Private: true},
		},
	}
}

func membershipOf(userID string) *domain.Membership {
	return &domain.Membership{
		Server: testServer(),
		Member: domain.Member{ServerID: "s1", UserID: userID, RoleIDs: []string{}},
	}
}

// connect registers and connects a fake conn for userID with the given memberships.
func (env *testEnv) connect(t *testing.T, id, userID string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id, userID)
	require.NoError(t, env.service.Connect(context.Background(), conn))
	return conn
}
