package redis

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/broadcast"
	goredis "github.com/redis/go-redis/v9"
)

const (
	eventRelayChannel    = "broadcast:events"
	eventRelayBufferSize = 1024
	eventPublishTimeout  = 2 * time.Second
)

// EnvelopeSink receives envelopes published by other instances.
type EnvelopeSink interface {
	DeliverRemote(env broadcast.Envelope)
}

// EventRelay carries broadcast envelopes between instances over Redis pub/sub.
// Publishing is fire-and-forget: envelopes are queued and dropped when the outbox is full.
type EventRelay struct {
	rdb     *goredis.Client
	nodeID  string
	sink    EnvelopeSink
	metrics *metrics.BroadcastMetrics
	outbox  chan broadcast.Envelope

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ broadcast.Relay = (*EventRelay)(nil)

func NewEventRelay(rdb *goredis.Client, nodeID string, sink EnvelopeSink, m *metrics.BroadcastMetrics) *EventRelay {
	return &EventRelay{
		rdb:     rdb,
		nodeID:  nodeID,
		sink:    sink,
		metrics: m,
		outbox:  make(chan broadcast.Envelope, eventRelayBufferSize),
	}
}

// Start subscribes to the relay channel and starts the publish loop. The subscription is
// confirmed before Start returns so no envelope published afterwards is missed.
func (r *EventRelay) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)

	pubsub := r.rdb.Subscribe(ctx, eventRelayChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		r.cancel()
		return err
	}

	r.wg.Add(2)
	go r.subscribeLoop(ctx, pubsub)
	go r.publishLoop(ctx)

	slog.Info("Event relay started", "node_id", r.nodeID, "channel", eventRelayChannel)
	return nil
}

// Stop ends both loops and waits for them to exit.
func (r *EventRelay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *EventRelay) Publish(env broadcast.Envelope) {
	env.Origin = r.nodeID
	select {
	case r.outbox <- env:
	default:
		r.metrics.RelayMessages.WithLabelValues("out", "dropped").Inc()
		slog.Warn("Event relay outbox full, dropping envelope")
	}
}

func (r *EventRelay) publishLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		select {
		case env := <-r.outbox:
			r.publish(ctx, env)
		case <-ctx.Done():
			return
		}
	}
}

func (r *EventRelay) publish(ctx context.Context, env broadcast.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		r.metrics.RelayMessages.WithLabelValues("out", "error").Inc()
		slog.Error("Failed to marshal relay envelope", "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, eventPublishTimeout)
	defer cancel()

	if err := r.rdb.Publish(pubCtx, eventRelayChannel, payload).Err(); err != nil {
		r.metrics.RelayMessages.WithLabelValues("out", "error").Inc()
		slog.Warn("Failed to publish relay envelope", "error", err)
		return
	}
	r.metrics.RelayMessages.WithLabelValues("out", "ok").Inc()
}

func (r *EventRelay) subscribeLoop(ctx context.Context, pubsub *goredis.PubSub) {
	defer r.wg.Done()
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok || msg == nil {
				return
			}
			r.handleMessage(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

func (r *EventRelay) handleMessage(payload string) {
	var env broadcast.Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.metrics.RelayMessages.WithLabelValues("in", "error").Inc()
		slog.Warn("Malformed relay envelope", "error", err)
		return
	}
	if env.Origin == r.nodeID {
		return
	}

	r.metrics.RelayMessages.WithLabelValues("in", "ok").Inc()
	r.sink.DeliverRemote(env)
}
