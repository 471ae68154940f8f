// Package fcm implements the push gateway on Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/Ciach0/nerimity-server/internal/platform/retry"
	"github.com/sony/gobreaker"
	"google.golang.org/api/option"
)

// maxMulticastTokens is the FCM limit for one SendEachForMulticast call.
const maxMulticastTokens = 500

const (
	retryInitialBackoff   = 500 * time.Millisecond
	retryRateLimitBackoff = 5 * time.Second
	breakerTimeout        = 30 * time.Second
)

type multicastSender interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

// Gateway sends data messages through FCM. Transient batch failures are retried and
// repeated failures open a circuit breaker so a dead upstream is not hammered.
type Gateway struct {
	sender  multicastSender
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
}

var _ domain.PushGateway = (*Gateway)(nil)

// NewGateway creates a gateway authenticated with the service account in credentialsFile.
func NewGateway(ctx context.Context, credentialsFile string) (*Gateway, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging client: %w", err)
	}

	slog.Info("FCM push gateway initialized")
	return newGateway(client, retry.Policy{
		MaxAttempts:      3,
		InitialBackoff:   retryInitialBackoff,
		RateLimitBackoff: retryRateLimitBackoff,
	}), nil
}

func newGateway(sender multicastSender, policy retry.Policy) *Gateway {
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("FCM batch failed, retrying", "attempt", attempt, "backoff_seconds", backoff.Seconds(), "error", err)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "fcm",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		},
	})

	return &Gateway{sender: sender, breaker: breaker, policy: policy}
}

// SendBatch sends data to every token. Tokens are split into FCM-sized chunks; if any
// chunk fails as a whole the batch fails and no per-token results are returned.
func (g *Gateway) SendBatch(ctx context.Context, tokens []string, data map[string]string, priority domain.PushPriority) ([]domain.DeliveryResult, error) {
	results := make([]domain.DeliveryResult, 0, len(tokens))

	for start := 0; start < len(tokens); start += maxMulticastTokens {
		end := min(start+maxMulticastTokens, len(tokens))
		chunk := tokens[start:end]

		resp, err := retry.Do(ctx, g.policy, classifyBatchError, func() (*messaging.BatchResponse, error) {
			return g.send(ctx, buildMessage(chunk, data, priority))
		})
		if err != nil {
			return nil, fmt.Errorf("fcm multicast failed: %w", err)
		}
		if len(resp.Responses) != len(chunk) {
			return nil, fmt.Errorf("fcm returned %d responses for %d tokens", len(resp.Responses), len(chunk))
		}

		for i, r := range resp.Responses {
			result := domain.DeliveryResult{Token: chunk[i]}
			if !r.Success {
				result.Err = r.Error
				if result.Err == nil {
					result.Err = errors.New("delivery failed")
				}
			}
			results = append(results, result)
		}
	}

	return results, nil
}

func (g *Gateway) send(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.sender.SendEachForMulticast(ctx, msg)
	})
	if err != nil {
		return nil, err
	}
	return out.(*messaging.BatchResponse), nil
}

func buildMessage(tokens []string, data map[string]string, priority domain.PushPriority) *messaging.MulticastMessage {
	androidPriority := "normal"
	apnsPriority := "5"
	if priority == domain.PriorityHigh {
		androidPriority = "high"
		apnsPriority = "10"
	}

	return &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   data,
		Android: &messaging.AndroidConfig{
			Priority: androidPriority,
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{"apns-priority": apnsPriority},
		},
	}
}

func classifyBatchError(err error) retry.Action {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return retry.Stop
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case messaging.IsQuotaExceeded(err):
		return retry.After
	case messaging.IsUnavailable(err), messaging.IsInternal(err):
		return retry.Retry
	default:
		return retry.Stop
	}
}
