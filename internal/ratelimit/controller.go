package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/jonboulle/clockwork"
)

// Controller decides whether a subject may perform an action now.
type Controller struct {
	store      domain.CounterStore
	failClosed bool
	clock      clockwork.Clock
	metrics    *metrics.AdmissionMetrics
}

// NewController creates a controller backed by store. failClosed turns counter store
// outages into rejections for every rule; otherwise only rules with FailClosed set reject.
func NewController(store domain.CounterStore, failClosed bool, clock clockwork.Clock, m *metrics.AdmissionMetrics) *Controller {
	return &Controller{
		store:      store,
		failClosed: failClosed,
		clock:      clock,
		metrics:    m,
	}
}

// Admit increments the counter for rule and subject and returns the decision.
//
// The returned error is non-nil exactly when the caller must stop: a
// *domain.QuotaExceededError for a rejection without passthrough,
// domain.ErrCounterStoreUnavailable when the store is down under a fail-closed policy,
// and domain.ErrMissingIdentity when the subject carries no usable identity.
// A passthrough rejection returns a nil error with decision.Limited() set.
func (c *Controller) Admit(ctx context.Context, rule domain.Rule, subject domain.Subject) (domain.Decision, error) {
	start := c.clock.Now()
	defer func() { c.metrics.CheckDuration.Observe(c.clock.Since(start).Seconds()) }()

	key, err := Key(rule, subject)
	if err != nil {
		return domain.Decision{}, err
	}

	count, ttl, err := c.store.Increment(ctx, key, rule.Window)
	if err != nil {
		return c.unavailable(ctx, rule, key, err)
	}

	if count <= rule.Quota {
		c.metrics.Decisions.WithLabelValues(rule.Action, domain.VerdictAdmitted.String()).Inc()
		return domain.Decision{Verdict: domain.VerdictAdmitted, Key: key, Count: count, Proceed: true}, nil
	}

	// A key that lost its expiry would otherwise report a zero wait.
	if ttl <= 0 {
		ttl = rule.Window
	}

	c.metrics.Decisions.WithLabelValues(rule.Action, domain.VerdictRejected.String()).Inc()
	decision := domain.Decision{
		Verdict:    domain.VerdictRejected,
		Key:        key,
		Count:      count,
		RetryAfter: ttl,
		Proceed:    rule.Passthrough,
	}

	if rule.Passthrough {
		c.metrics.Passthrough.WithLabelValues(rule.Action).Inc()
		slog.DebugContext(ctx, "Rate limit exceeded, passing through", "action", rule.Action, "key", key, "count", count)
		return decision, nil
	}

	return decision, &domain.QuotaExceededError{Action: rule.Action, RetryAfter: ttl}
}

func (c *Controller) unavailable(ctx context.Context, rule domain.Rule, key string, cause error) (domain.Decision, error) {
	closed := c.failClosed || rule.FailClosed
	policy := "open"
	if closed {
		policy = "closed"
	}

	c.metrics.Decisions.WithLabelValues(rule.Action, domain.VerdictUnavailable.String()).Inc()
	c.metrics.StoreFailures.WithLabelValues(rule.Action, policy).Inc()
	slog.WarnContext(ctx, "Rate limit counter store unavailable",
		"action", rule.Action,
		"key", key,
		"policy", "fail_"+policy,
		"error", cause,
	)

	decision := domain.Decision{Verdict: domain.VerdictUnavailable, Key: key, Proceed: !closed}
	if closed {
		return decision, domain.ErrCounterStoreUnavailable
	}
	return decision, nil
}

// RetryAfterMillis rounds d up to whole milliseconds, never returning less than 1.
func RetryAfterMillis(d time.Duration) int64 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms < 1 {
		return 1
	}
	return int64(ms)
}
