package push

import (
	"context"
	"log/slog"
	"sync"

	"github.com/Ciach0/nerimity-server/internal/domain"
)

// Notifier resolves and dispatches the push for a new message off the request path.
type Notifier struct {
	resolver   *Resolver
	dispatcher *Dispatcher
	wg         sync.WaitGroup
}

func NewNotifier(resolver *Resolver, dispatcher *Dispatcher) *Notifier {
	return &Notifier{resolver: resolver, dispatcher: dispatcher}
}

// NotifyMessage pushes event to its eligible recipients in the background.
func (n *Notifier) NotifyMessage(event domain.MessageEvent) {
	if !n.dispatcher.Enabled() {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), n.dispatcher.timeout)
		defer cancel()
		n.notify(ctx, event)
	}()
}

func (n *Notifier) notify(ctx context.Context, event domain.MessageEvent) {
	targets, err := n.resolver.ResolveTargets(ctx, event)
	if err != nil {
		slog.Error("Failed to resolve push targets", "message_id", event.Message.ID, "error", err)
		return
	}

	tokens := make([]string, len(targets))
	for i, t := range targets {
		tokens[i] = t.Token
	}
	n.dispatcher.Send(ctx, tokens, BuildPayload(event), Priority(event))
}

// Wait blocks until every pending notification has been sent.
func (n *Notifier) Wait() {
	n.wg.Wait()
	n.dispatcher.Wait()
}
