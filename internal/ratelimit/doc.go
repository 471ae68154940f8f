// Package ratelimit implements fixed-window admission control for write paths.
//
// The Controller turns a Rule and a Subject into a counter key, performs one atomic
// increment-with-expiry against a domain.CounterStore and compares the result with the
// rule's quota. Store failures are resolved by policy: fail-open by default, fail-closed
// globally or per rule.
package ratelimit
