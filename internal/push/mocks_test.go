package push

import (
	"context"
	"fmt"
	"sync"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
)

// --- Mock implementations ---

type mockAudienceRepo struct {
	serverPushTargetsFn func(ctx context.Context, serverID string) ([]domain.PushTarget, error)
	userPushTokensFn    func(ctx context.Context, userID string) ([]domain.PushToken, error)
}

func (m *mockAudienceRepo) ServerPushTargets(ctx context.Context, serverID string) ([]domain.PushTarget, error) {
	if m.serverPushTargetsFn != nil {
		return m.serverPushTargetsFn(ctx, serverID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockAudienceRepo) UserPushTokens(ctx context.Context, userID string) ([]domain.PushToken, error) {
	if m.userPushTokensFn != nil {
		return m.userPushTokensFn(ctx, userID)
	}
	return nil, fmt.Errorf("not implemented")
}

type mockGateway struct {
	mu          sync.Mutex
	calls       [][]string
	lastData    map[string]string
	lastPrio    domain.PushPriority
	sendBatchFn func(ctx context.Context, tokens []string, data map[string]string, priority domain.PushPriority) ([]domain.DeliveryResult, error)
}

func (m *mockGateway) SendBatch(ctx context.Context, tokens []string, data map[string]string, priority domain.PushPriority) ([]domain.DeliveryResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), tokens...))
	m.lastData = data
	m.lastPrio = priority
	m.mu.Unlock()

	if m.sendBatchFn != nil {
		return m.sendBatchFn(ctx, tokens, data, priority)
	}
	results := make([]domain.DeliveryResult, len(tokens))
	for i, t := range tokens {
		results[i] = domain.DeliveryResult{Token: t}
	}
	return results, nil
}

func (m *mockGateway) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockTokenRepo struct {
	mu           sync.Mutex
	deleted      [][]string
	deleteTokens func(ctx context.Context, tokens []string) error
}

func (m *mockTokenRepo) DeleteTokens(ctx context.Context, tokens []string) error {
	m.mu.Lock()
	m.deleted = append(m.deleted, append([]string(nil), tokens...))
	m.mu.Unlock()

	if m.deleteTokens != nil {
		return m.deleteTokens(ctx, tokens)
	}
	return nil
}

func (m *mockTokenRepo) deletedTokens() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, batch := range m.deleted {
		out = append(out, batch...)
	}
	return out
}

func newTestPushMetrics() *metrics.PushMetrics {
	return metrics.NewPushMetrics(prometheus.NewRegistry())
}
