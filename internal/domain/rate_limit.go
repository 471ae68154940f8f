package domain

import (
	"context"
	"time"
)

// Rule describes the quota attached to a named action.
type Rule struct {
	Action string
	Window time.Duration
	Quota  int64

	// UseIP keys the counter on the caller's address instead of the user ID.
	UseIP bool
	// Global shares one counter between every caller.
	Global bool
	// Passthrough lets a rejected call proceed; the decision still reports the rejection.
	Passthrough bool
	// FailClosed rejects the call when the counter store cannot be reached.
	FailClosed bool
}

// Subject identifies who performs an action.
type Subject struct {
	UserID string
	IP     string
}

type Verdict int

const (
	VerdictAdmitted Verdict = iota
	VerdictRejected
	VerdictUnavailable
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmitted:
		return "admitted"
	case VerdictRejected:
		return "rejected"
	case VerdictUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Verdict    Verdict
	Key        string
	Count      int64
	RetryAfter time.Duration
	// Proceed reports whether the caller may carry on with the action.
	Proceed bool
}

// Limited reports whether the quota was exceeded, including passthrough rejections.
func (d Decision) Limited() bool {
	return d.Verdict == VerdictRejected
}

// CounterStore atomically increments a fixed-window counter.
// The first increment of a window sets its expiry to now+window.
// Implementations return the count after the increment and the time left in the window.
type CounterStore interface {
	Increment(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}
