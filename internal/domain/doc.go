// Package domain defines the core domain types and interfaces.
//
// Files are organised by concept (rate_limit.go, scope.go, server.go, message.go, push.go)
// and hold shared types plus the contracts implemented by the adapters. No I/O lives here.
package domain
