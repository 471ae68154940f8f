package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrServerNotFound          = errors.New("server not found")
	ErrChannelNotFound         = errors.New("channel not found")
	ErrNotMember               = errors.New("not a member of server")
	ErrAlreadyMember           = errors.New("already a member of server")
	ErrMissingIdentity         = errors.New("rate limit identity is empty")
	ErrCounterStoreUnavailable = errors.New("rate limit counter store unavailable")
	ErrPushUnconfigured        = errors.New("push gateway not configured")
	ErrNotPermitted            = errors.New("not permitted")
	ErrCreatorCannotLeave      = errors.New("server creator cannot leave the server")
	ErrEmptyMessage            = errors.New("message content is empty")
	ErrMessageTooLong          = errors.New("message content is too long")
)

// QuotaExceededError is returned when an action exceeded its quota for the
// current window. RetryAfter is the time left until the window resets.
type QuotaExceededError struct {
	Action     string
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s, retry after %s", e.Action, e.RetryAfter)
}
