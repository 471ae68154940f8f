package push

import (
	"context"
	"fmt"

	"github.com/Ciach0/nerimity-server/internal/domain"
)

// Eligible reports whether a member with the given preference should get a push for a
// server message. Members without a stored preference are notified.
func Eligible(pref domain.NotificationPreference, mentioned bool) bool {
	switch pref {
	case domain.PreferenceUnset, domain.PreferenceAll:
		return true
	case domain.PreferenceMentionsOnly:
		return mentioned
	default:
		return false
	}
}

// Resolver computes push targets from stored preferences and tokens. It does not look at
// live connections.
type Resolver struct {
	audience domain.PushAudienceRepository
}

func NewResolver(audience domain.PushAudienceRepository) *Resolver {
	return &Resolver{audience: audience}
}

// ResolveTargets returns the tokens that should receive a push for event. The author is
// never a target. Direct messages target the recipient regardless of preferences.
func (r *Resolver) ResolveTargets(ctx context.Context, event domain.MessageEvent) ([]domain.PushToken, error) {
	authorID := event.Message.Author.ID

	if event.IsDirect() {
		if event.RecipientID == "" || event.RecipientID == authorID {
			return nil, nil
		}
		tokens, err := r.audience.UserPushTokens(ctx, event.RecipientID)
		if err != nil {
			return nil, fmt.Errorf("failed to load push tokens for user %s: %w", event.RecipientID, err)
		}
		return dedupe(tokens), nil
	}

	targets, err := r.audience.ServerPushTargets(ctx, event.Message.ServerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load push targets for server %s: %w", event.Message.ServerID, err)
	}

	tokens := make([]domain.PushToken, 0, len(targets))
	for _, target := range targets {
		if target.UserID == authorID || target.Token == "" {
			continue
		}
		if !Eligible(target.Preference, event.Mentioned(target.UserID)) {
			continue
		}
		tokens = append(tokens, domain.PushToken{UserID: target.UserID, Token: target.Token})
	}
	return dedupe(tokens), nil
}

func dedupe(tokens []domain.PushToken) []domain.PushToken {
	seen := make(map[string]struct{}, len(tokens))
	out := tokens[:0]
	for _, t := range tokens {
		if _, ok := seen[t.Token]; ok {
			continue
		}
		seen[t.Token] = struct{}{}
		out = append(out, t)
	}
	return out
}
