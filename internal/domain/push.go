package domain

import "context"

// NotificationPreference is a member's push setting for one server.
// PreferenceUnset means there is no stored record.
type NotificationPreference int

const (
	PreferenceUnset NotificationPreference = iota
	PreferenceAll
	PreferenceMentionsOnly
	PreferenceMute
)

func (p NotificationPreference) String() string {
	switch p {
	case PreferenceUnset:
		return "unset"
	case PreferenceAll:
		return "all"
	case PreferenceMentionsOnly:
		return "mentions_only"
	case PreferenceMute:
		return "mute"
	default:
		return "unknown"
	}
}

// PushTarget is one member/token row of a server's push audience.
type PushTarget struct {
	UserID     string
	Preference NotificationPreference
	Token      string
}

type PushToken struct {
	UserID string
	Token  string
}

type PushPriority string

const (
	PriorityNormal PushPriority = "normal"
	PriorityHigh   PushPriority = "high"
)

// DeliveryResult is the gateway outcome for a single token.
type DeliveryResult struct {
	Token string
	Err   error
}

// PushGateway sends one batch of data messages.
// Results have the same length and order as tokens.
type PushGateway interface {
	SendBatch(ctx context.Context, tokens []string, data map[string]string, priority PushPriority) ([]DeliveryResult, error)
}

// PushAudienceRepository reads the push audience for messages.
type PushAudienceRepository interface {
	ServerPushTargets(ctx context.Context, serverID string) ([]PushTarget, error)
	UserPushTokens(ctx context.Context, userID string) ([]PushToken, error)
}

// PushTokenRepository deletes revoked tokens. Deleting a missing token is not an error.
type PushTokenRepository interface {
	DeleteTokens(ctx context.Context, tokens []string) error
}
