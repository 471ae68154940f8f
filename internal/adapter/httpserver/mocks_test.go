package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/app"
	"github.com/Ciach0/nerimity-server/internal/broadcast"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/config"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

// --- Mock implementations ---

type mockAppService struct {
	connectFn           func(ctx context.Context, conn broadcast.Conn) error
	disconnectFn        func(conn broadcast.Conn)
	sendServerMessageFn func(ctx context.Context, in app.ServerMessageInput) (*domain.Message, error)
	sendDirectMessageFn func(ctx context.Context, in app.DirectMessageInput) (*domain.Message, error)
	joinServerFn        func(ctx context.Context, serverID, userID string) (*domain.Membership, error)
	leaveServerFn       func(ctx context.Context, serverID, userID string) error
	updateMemberRolesFn func(ctx context.Context, serverID, actorID, targetID string, roleIDs []string) (*domain.Member, error)
}

func (m *mockAppService) Connect(ctx context.Context, conn broadcast.Conn) error {
	if m.connectFn != nil {
		return m.connectFn(ctx, conn)
	}
	return nil
}

func (m *mockAppService) Disconnect(conn broadcast.Conn) {
	if m.disconnectFn != nil {
		m.disconnectFn(conn)
		return
	}
	conn.Close()
}

func (m *mockAppService) SendServerMessage(ctx context.Context, in app.ServerMessageInput) (*domain.Message, error) {
	if m.sendServerMessageFn != nil {
		return m.sendServerMessageFn(ctx, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) SendDirectMessage(ctx context.Context, in app.DirectMessageInput) (*domain.Message, error) {
	if m.sendDirectMessageFn != nil {
		return m.sendDirectMessageFn(ctx, in)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) JoinServer(ctx context.Context, serverID, userID string) (*domain.Membership, error) {
	if m.joinServerFn != nil {
		return m.joinServerFn(ctx, serverID, userID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAppService) LeaveServer(ctx context.Context, serverID, userID string) error {
	if m.leaveServerFn != nil {
		return m.leaveServerFn(ctx, serverID, userID)
	}
	return nil
}

func (m *mockAppService) UpdateMemberRoles(ctx context.Context, serverID, actorID, targetID string, roleIDs []string) (*domain.Member, error) {
	if m.updateMemberRolesFn != nil {
		return m.updateMemberRolesFn(ctx, serverID, actorID, targetID, roleIDs)
	}
	return nil, errors.New("not implemented")
}

type mockAdmission struct {
	mu      sync.Mutex
	calls   []admitCall
	admitFn func(ctx context.Context, rule domain.Rule, subject domain.Subject) (domain.Decision, error)
}

type admitCall struct {
	rule    domain.Rule
	subject domain.Subject
}

func (m *mockAdmission) Admit(ctx context.Context, rule domain.Rule, subject domain.Subject) (domain.Decision, error) {
	m.mu.Lock()
	m.calls = append(m.calls, admitCall{rule: rule, subject: subject})
	m.mu.Unlock()

	if m.admitFn != nil {
		return m.admitFn(ctx, rule, subject)
	}
	return domain.Decision{Verdict: domain.VerdictAdmitted, Proceed: true}, nil
}

func (m *mockAdmission) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, call := range m.calls {
		out[i] = call.rule.Action
	}
	return out
}

// --- Test server builder ---

type testServerOption func(*testServerOptions)

type testServerOptions struct {
	admission    *mockAdmission
	limits       *ConnectionLimits
	healthChecks []HealthCheck
	cfg          *config.Config
}

func withAdmission(a *mockAdmission) testServerOption {
	return func(o *testServerOptions) { o.admission = a }
}

func withLimits(l *ConnectionLimits) testServerOption {
	return func(o *testServerOptions) { o.limits = l }
}

func withConfig(cfg *config.Config) testServerOption {
	return func(o *testServerOptions) { o.cfg = cfg }
}

func withHealthChecks(checks ...HealthCheck) testServerOption {
	return func(o *testServerOptions) { o.healthChecks = checks }
}

func newTestServer(t *testing.T, appSvc appService, opts ...testServerOption) *Server {
	t.Helper()

	clock := clockwork.NewRealClock()
	o := &testServerOptions{
		admission: &mockAdmission{},
		limits:    NewConnectionLimits(100, 10, 100, 100, clock),
		cfg: &config.Config{
			AppEnv: "development",
			Port:   "0",
			AppURL: "http://localhost:8080",
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	reg := prometheus.NewRegistry()
	m := metrics.NewSet(reg)
	return NewServer(o.cfg, appSvc, o.admission, o.limits, m, metrics.Handler(reg), clock, o.healthChecks)
}

func doRequest(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}
