package push

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/jonboulle/clockwork"
)

const defaultTimeout = 10 * time.Second

// Dispatcher sends push batches and prunes revoked tokens. A nil gateway disables push;
// the dispatcher then logs once at construction and ignores every dispatch.
type Dispatcher struct {
	gateway domain.PushGateway
	tokens  domain.PushTokenRepository
	clock   clockwork.Clock
	metrics *metrics.PushMetrics
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(gateway domain.PushGateway, tokens domain.PushTokenRepository, clock clockwork.Clock, m *metrics.PushMetrics, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if gateway == nil {
		slog.Warn("Push gateway not configured, push notifications disabled", "error", domain.ErrPushUnconfigured)
	}
	return &Dispatcher{
		gateway: gateway,
		tokens:  tokens,
		clock:   clock,
		metrics: m,
		timeout: timeout,
	}
}

// Enabled reports whether a gateway is configured.
func (d *Dispatcher) Enabled() bool {
	return d.gateway != nil
}

// Dispatch sends data to tokens in the background. It never blocks on the gateway and
// the caller cannot cancel it.
func (d *Dispatcher) Dispatch(tokens []string, data map[string]string, priority domain.PushPriority) {
	if !d.accept(tokens) {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		d.Send(ctx, tokens, data, priority)
	}()
}

// Send sends one batch and deletes the tokens whose delivery failed. Errors are logged
// and counted, never returned.
func (d *Dispatcher) Send(ctx context.Context, tokens []string, data map[string]string, priority domain.PushPriority) {
	if !d.accept(tokens) {
		return
	}

	start := d.clock.Now()
	results, err := d.gateway.SendBatch(ctx, tokens, data, priority)
	d.metrics.BatchDuration.Observe(d.clock.Since(start).Seconds())
	d.metrics.TokensSent.Add(float64(len(tokens)))

	if err != nil {
		d.metrics.Batches.WithLabelValues("error").Inc()
		slog.Error("Push batch failed", "tokens", len(tokens), "error", err)
		return
	}
	d.metrics.Batches.WithLabelValues("ok").Inc()

	var failed []string
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r.Token)
			slog.Debug("Push delivery failed for token", "error", r.Err)
		}
	}
	if len(failed) == 0 {
		return
	}
	d.metrics.TokensFailed.Add(float64(len(failed)))

	if err := d.tokens.DeleteTokens(ctx, failed); err != nil {
		slog.Warn("Failed to prune push tokens", "count", len(failed), "error", err)
		return
	}
	d.metrics.TokensPruned.Add(float64(len(failed)))
	slog.Info("Pruned push tokens", "count", len(failed))
}

// Wait blocks until all background dispatches have finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) accept(tokens []string) bool {
	if d.gateway == nil {
		d.metrics.Skipped.WithLabelValues("unconfigured").Inc()
		return false
	}
	if len(tokens) == 0 {
		d.metrics.Skipped.WithLabelValues("no_tokens").Inc()
		return false
	}
	return true
}
