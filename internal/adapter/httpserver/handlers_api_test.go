package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Ciach0/nerimity-server/internal/app"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/config"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiRequest(method, path, body, userID string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(headerUserID, userID)
	}
	return req
}

func testMessage(in app.ServerMessageInput) *domain.Message {
	return &domain.Message{
		ID:        "m1",
		ChannelID: in.ChannelID,
		ServerID:  in.ServerID,
		Content:   in.Content,
		Author:    domain.Author{ID: in.AuthorID, Username: "alice"},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSendServerMessage_Success(t *testing.T) {
	var got app.ServerMessageInput
	appSvc := &mockAppService{
		sendServerMessageFn: func(_ context.Context, in app.ServerMessageInput) (*domain.Message, error) {
			got = in
			return testMessage(in), nil
		},
	}
	admission := &mockAdmission{}
	srv := newTestServer(t, appSvc, withAdmission(admission))

	req := apiRequest(http.MethodPost, "/api/servers/s1/channels/c1/messages",
		`{"content":"hello","mentions":["u2"],"nonce":"n-1"}`, "u1")
	req.Header.Set(headerConnectionID, "conn-1")
	rec := doRequest(srv, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, app.ServerMessageInput{
		AuthorID:     "u1",
		ServerID:     "s1",
		ChannelID:    "c1",
		Content:      "hello",
		Mentions:     []string{"u2"},
		Nonce:        "n-1",
		OriginConnID: "conn-1",
	}, got)
	assert.Equal(t, []string{"message_create"}, admission.actions())
	assert.Empty(t, rec.Header().Get(headerRateLimited))

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotContains(t, resp, "rateLimited")
	assert.Equal(t, "hello", resp["message"].(map[string]any)["content"])
}

func TestSendServerMessage_PassthroughRejection(t *testing.T) {
	var got app.ServerMessageInput
	appSvc := &mockAppService{
		sendServerMessageFn: func(_ context.Context, in app.ServerMessageInput) (*domain.Message, error) {
			got = in
			return testMessage(in), nil
		},
	}
	admission := &mockAdmission{
		admitFn: func(context.Context, domain.Rule, domain.Subject) (domain.Decision, error) {
			return domain.Decision{Verdict: domain.VerdictRejected, Proceed: true}, nil
		},
	}
	srv := newTestServer(t, appSvc, withAdmission(admission))

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/channels/c1/messages", `{"content":"hi"}`, "u1"))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.True(t, got.RateLimited)
	assert.Equal(t, "true", rec.Header().Get(headerRateLimited))
	assert.Contains(t, rec.Body.String(), `"rateLimited":true`)
}

func TestSendServerMessage_MissingIdentity(t *testing.T) {
	admission := &mockAdmission{}
	srv := newTestServer(t, &mockAppService{}, withAdmission(admission))

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/channels/c1/messages", `{"content":"hi"}`, ""))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, admission.actions())
}

func TestSendServerMessage_InvalidBody(t *testing.T) {
	admission := &mockAdmission{}
	srv := newTestServer(t, &mockAppService{}, withAdmission(admission))

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/channels/c1/messages", `{"content":`, "u1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, admission.actions())
}

func TestSendServerMessage_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"not member", domain.ErrNotMember, http.StatusForbidden},
		{"channel not found", domain.ErrChannelNotFound, http.StatusNotFound},
		{"empty", domain.ErrEmptyMessage, http.StatusBadRequest},
		{"too long", domain.ErrMessageTooLong, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appSvc := &mockAppService{
				sendServerMessageFn: func(context.Context, app.ServerMessageInput) (*domain.Message, error) {
					return nil, tt.err
				},
			}
			srv := newTestServer(t, appSvc)

			rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/channels/c1/messages", `{"content":"hi"}`, "u1"))

			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestSendDirectMessage_Success(t *testing.T) {
	var got app.DirectMessageInput
	appSvc := &mockAppService{
		sendDirectMessageFn: func(_ context.Context, in app.DirectMessageInput) (*domain.Message, error) {
			got = in
			return &domain.Message{ID: "m1", ChannelID: app.DirectChannelID(in.AuthorID, in.RecipientID), Content: in.Content}, nil
		},
	}
	srv := newTestServer(t, appSvc)

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/users/u2/messages", `{"content":"psst","nonce":"n"}`, "u1"))

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "u1", got.AuthorID)
	assert.Equal(t, "u2", got.RecipientID)
	assert.Equal(t, "n", got.Nonce)
	assert.Contains(t, rec.Body.String(), `"channelId":"dm:u1:u2"`)
}

func TestJoinServer_RateLimited(t *testing.T) {
	called := false
	appSvc := &mockAppService{
		joinServerFn: func(context.Context, string, string) (*domain.Membership, error) {
			called = true
			return nil, nil
		},
	}
	admission := &mockAdmission{
		admitFn: func(_ context.Context, rule domain.Rule, _ domain.Subject) (domain.Decision, error) {
			return domain.Decision{Verdict: domain.VerdictRejected},
				&domain.QuotaExceededError{Action: rule.Action, RetryAfter: 4200 * time.Millisecond}
		},
	}
	srv := newTestServer(t, appSvc, withAdmission(admission))

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/join", "", "u1"))

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), `"ttl":4200`)
	assert.False(t, called)
	assert.Equal(t, []string{"server_join"}, admission.actions())
}

func TestJoinServer_Success(t *testing.T) {
	appSvc := &mockAppService{
		joinServerFn: func(_ context.Context, serverID, userID string) (*domain.Membership, error) {
			return &domain.Membership{
				Server: domain.Server{ID: serverID, Name: "Lounge", CreatorID: "owner"},
				Member: domain.Member{ServerID: serverID, UserID: userID, RoleIDs: []string{}},
			}, nil
		},
	}
	srv := newTestServer(t, appSvc)

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/join", "", "u1"))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp app.ServerJoinedPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "Lounge", resp.Server.Name)
	assert.Equal(t, "u1", resp.Member.UserID)
}

func TestJoinServer_StoreUnavailable(t *testing.T) {
	admission := &mockAdmission{
		admitFn: func(context.Context, domain.Rule, domain.Subject) (domain.Decision, error) {
			return domain.Decision{Verdict: domain.VerdictUnavailable}, domain.ErrCounterStoreUnavailable
		},
	}
	srv := newTestServer(t, &mockAppService{}, withAdmission(admission))

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/join", "", "u1"))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLeaveServer(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"ok", nil, http.StatusOK},
		{"creator", domain.ErrCreatorCannotLeave, http.StatusConflict},
		{"not member", domain.ErrNotMember, http.StatusForbidden},
		{"unknown server", domain.ErrServerNotFound, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			admission := &mockAdmission{}
			appSvc := &mockAppService{
				leaveServerFn: func(context.Context, string, string) error { return tt.err },
			}
			srv := newTestServer(t, appSvc, withAdmission(admission))

			rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/leave", "", "u1"))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, []string{"server_leave"}, admission.actions())
		})
	}
}

func TestUpdateMemberRoles(t *testing.T) {
	var gotActor, gotTarget string
	var gotRoles []string
	appSvc := &mockAppService{
		updateMemberRolesFn: func(_ context.Context, serverID, actorID, targetID string, roleIDs []string) (*domain.Member, error) {
			gotActor, gotTarget, gotRoles = actorID, targetID, roleIDs
			return &domain.Member{ServerID: serverID, UserID: targetID, RoleIDs: roleIDs}, nil
		},
	}
	admission := &mockAdmission{}
	srv := newTestServer(t, appSvc, withAdmission(admission))

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/members/u2/roles", `{"roleIds":["r1","r2"]}`, "u1"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", gotActor)
	assert.Equal(t, "u2", gotTarget)
	assert.Equal(t, []string{"r1", "r2"}, gotRoles)
	assert.Equal(t, []string{"member_update"}, admission.actions())
	assert.Contains(t, rec.Body.String(), `"roleIds":["r1","r2"]`)
}

func TestUpdateMemberRoles_NotPermitted(t *testing.T) {
	appSvc := &mockAppService{
		updateMemberRolesFn: func(context.Context, string, string, string, []string) (*domain.Member, error) {
			return nil, domain.ErrNotPermitted
		},
	}
	srv := newTestServer(t, appSvc)

	rec := doRequest(srv, apiRequest(http.MethodPost, "/api/servers/s1/members/u2/roles", `{"roleIds":[]}`, "u1"))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmissionSubject(t *testing.T) {
	var subject domain.Subject
	admission := &mockAdmission{
		admitFn: func(_ context.Context, _ domain.Rule, s domain.Subject) (domain.Decision, error) {
			subject = s
			return domain.Decision{Verdict: domain.VerdictAdmitted, Proceed: true}, nil
		},
	}
	srv := newTestServer(t, &mockAppService{}, withAdmission(admission))

	req := apiRequest(http.MethodPost, "/api/servers/s1/leave", "", "u1")
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set(echo.HeaderXForwardedFor, "198.51.100.1")
	req.Header.Set(echo.HeaderXRealIP, "198.51.100.2")
	doRequest(srv, req)

	assert.Equal(t, domain.Subject{UserID: "u1", IP: "203.0.113.7"}, subject)
}

func TestAdmissionSubject_TrustedProxy(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		wantIP     string
	}{
		{"forwarded by trusted proxy", "10.1.2.3:443", "198.51.100.1"},
		{"untrusted peer", "172.16.0.9:443", "172.16.0.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var subject domain.Subject
			admission := &mockAdmission{
				admitFn: func(_ context.Context, _ domain.Rule, s domain.Subject) (domain.Decision, error) {
					subject = s
					return domain.Decision{Verdict: domain.VerdictAdmitted, Proceed: true}, nil
				},
			}
			cfg := &config.Config{AppEnv: "development", Port: "0", AppURL: "http://localhost:8080", TrustedProxies: "10.0.0.0/8"}
			srv := newTestServer(t, &mockAppService{}, withAdmission(admission), withConfig(cfg))

			req := apiRequest(http.MethodPost, "/api/servers/s1/leave", "", "u1")
			req.RemoteAddr = tt.remoteAddr
			req.Header.Set(echo.HeaderXForwardedFor, "198.51.100.1")
			doRequest(srv, req)

			assert.Equal(t, tt.wantIP, subject.IP)
		})
	}
}
