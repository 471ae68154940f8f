package broadcast

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Ciach0/nerimity-server/internal/adapter/metrics"
	"github.com/Ciach0/nerimity-server/internal/domain"
)

// Frame is the wire shape of every event written to a live connection.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s frame: %w", event, err)
	}
	return data, nil
}

// ConnRef names a connection and the user that must own it. It only matches a
// connection of that user. The zero value matches nothing.
type ConnRef struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
}

func (r ConnRef) IsZero() bool {
	return r.ID == ""
}

func (r ConnRef) matches(conn Conn) bool {
	return r.ID != "" && conn.ID() == r.ID && conn.UserID() == r.UserID
}

func (r ConnRef) ptr() *ConnRef {
	if r.IsZero() {
		return nil
	}
	return &r
}

// Envelope carries an encoded frame between instances. Exactly one of Scope and Target is set.
type Envelope struct {
	Origin  string          `json:"origin"`
	Scope   *domain.Scope   `json:"scope,omitempty"`
	Target  *ConnRef        `json:"target,omitempty"`
	Exclude *ConnRef        `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Relay forwards envelopes to the other instances. Publish must not block.
type Relay interface {
	Publish(env Envelope)
}

// Broadcaster fans events out to the members of a scope.
type Broadcaster struct {
	registry *Registry
	relay    Relay
	metrics  *metrics.BroadcastMetrics
}

func NewBroadcaster(registry *Registry, m *metrics.BroadcastMetrics) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: m}
}

// AttachRelay enables cross-instance delivery. It must be called before the broadcaster
// is shared between goroutines.
func (b *Broadcaster) AttachRelay(relay Relay) {
	b.relay = relay
}

// Emit delivers an event to every connection that is a member of scope when Emit is
// called, except the connection exclude refers to (the zero ref excludes nobody). Late
// joiners get nothing; there is no replay.
func (b *Broadcaster) Emit(scope domain.Scope, event string, payload any, exclude ConnRef) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		slog.Error("Dropping event", "scope", scope.String(), "event", event, "error", err)
		return
	}

	b.metrics.EventsEmitted.WithLabelValues(string(scope.Kind)).Inc()
	b.deliver(b.registry.Members(scope), frame, exclude)

	if b.relay != nil {
		b.relay.Publish(Envelope{Scope: &scope, Exclude: exclude.ptr(), Frame: frame})
	}
}

// EmitTo delivers an event to a single connection.
func (b *Broadcaster) EmitTo(conn Conn, event string, payload any) {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		slog.Error("Dropping event", "conn_id", conn.ID(), "event", event, "error", err)
		return
	}
	b.deliver([]Conn{conn}, frame, ConnRef{})
}

// EmitToConn delivers an event to the connection ref refers to, wherever it lives.
// Connections on other instances are reached through the relay. A local connection with
// the right ID but another owner gets nothing.
func (b *Broadcaster) EmitToConn(ref ConnRef, event string, payload any) {
	if ref.IsZero() {
		return
	}
	if conn, ok := b.registry.Lookup(ref.ID); ok {
		if ref.matches(conn) {
			b.EmitTo(conn, event, payload)
		}
		return
	}
	if b.relay == nil {
		return
	}

	frame, err := encodeFrame(event, payload)
	if err != nil {
		slog.Error("Dropping event", "conn_id", ref.ID, "event", event, "error", err)
		return
	}
	b.relay.Publish(Envelope{Target: ref.ptr(), Frame: frame})
}

// DeliverRemote delivers an envelope received from another instance to local
// connections only. It never republishes.
func (b *Broadcaster) DeliverRemote(env Envelope) {
	switch {
	case env.Target != nil:
		if conn, ok := b.registry.Lookup(env.Target.ID); ok && env.Target.matches(conn) {
			b.deliver([]Conn{conn}, env.Frame, ConnRef{})
		}
	case env.Scope != nil:
		var exclude ConnRef
		if env.Exclude != nil {
			exclude = *env.Exclude
		}
		b.deliver(b.registry.Members(*env.Scope), env.Frame, exclude)
	}
}

// DisconnectAll closes every registered connection, for shutdown.
func (b *Broadcaster) DisconnectAll() {
	conns := b.registry.All()
	for _, conn := range conns {
		b.registry.Disconnect(conn)
		conn.Close()
	}
	slog.Info("Broadcaster disconnected all clients", "count", len(conns))
}

func (b *Broadcaster) deliver(conns []Conn, frame []byte, exclude ConnRef) {
	var slow []Conn
	for _, conn := range conns {
		if exclude.matches(conn) {
			continue
		}
		if conn.Send(frame) {
			b.metrics.FramesDelivered.Inc()
			continue
		}
		slow = append(slow, conn)
	}

	for _, conn := range slow {
		slog.Warn("Disconnecting slow client", "conn_id", conn.ID(), "user_id", conn.UserID())
		b.metrics.SlowClientsEvicted.Inc()
		b.registry.Disconnect(conn)
		go conn.Close()
	}
}
