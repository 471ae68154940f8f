// Package broadcast routes events to live connections.
//
// The Registry owns scope membership: which connections joined which server, channel and
// inbox scopes. The Broadcaster encodes an event once and queues it on every member of a
// scope except an optional excluded connection. Each Client owns a writer goroutine with a
// bounded send buffer, so emitting never blocks on a recipient; a client whose buffer is
// full is evicted. An optional Relay carries emits to other instances.
package broadcast
