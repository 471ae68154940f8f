package postgres

import (
	"context"
	"fmt"

	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PushRepo reads push audiences and prunes device tokens.
type PushRepo struct {
	pool *pgxpool.Pool
}

var (
	_ domain.PushAudienceRepository = (*PushRepo)(nil)
	_ domain.PushTokenRepository    = (*PushRepo)(nil)
)

func NewPushRepo(pool *pgxpool.Pool) *PushRepo {
	return &PushRepo{pool: pool}
}

// A member without a notification_settings row gets an empty preference.
const serverPushTargetsQuery = `
SELECT m.user_id, COALESCE(ns.preference, ''), t.token
FROM server_members m
JOIN push_tokens t ON t.user_id = m.user_id
LEFT JOIN notification_settings ns ON ns.user_id = m.user_id AND ns.server_id = m.server_id
WHERE m.server_id = $1
ORDER BY m.user_id, t.created_at`

func (r *PushRepo) ServerPushTargets(ctx context.Context, serverID string) ([]domain.PushTarget, error) {
	rows, err := r.pool.Query(ctx, serverPushTargetsQuery, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push targets: %w", err)
	}
	defer rows.Close()

	var targets []domain.PushTarget
	for rows.Next() {
		var (
			t    domain.PushTarget
			pref string
		)
		if err := rows.Scan(&t.UserID, &pref, &t.Token); err != nil {
			return nil, fmt.Errorf("failed to scan push target: %w", err)
		}
		t.Preference = parsePreference(pref)
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate push targets: %w", err)
	}
	return targets, nil
}

func (r *PushRepo) UserPushTokens(ctx context.Context, userID string) ([]domain.PushToken, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, token FROM push_tokens WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.PushToken
	for rows.Next() {
		var t domain.PushToken
		if err := rows.Scan(&t.UserID, &t.Token); err != nil {
			return nil, fmt.Errorf("failed to scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate push tokens: %w", err)
	}
	return tokens, nil
}

func (r *PushRepo) DeleteTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	if _, err := r.pool.Exec(ctx, `DELETE FROM push_tokens WHERE token = ANY($1)`, tokens); err != nil {
		return fmt.Errorf("failed to delete push tokens: %w", err)
	}
	return nil
}

func parsePreference(raw string) domain.NotificationPreference {
	switch raw {
	case "all":
		return domain.PreferenceAll
	case "mentions_only":
		return domain.PreferenceMentionsOnly
	case "mute":
		return domain.PreferenceMute
	default:
		return domain.PreferenceUnset
	}
}
