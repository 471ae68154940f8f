package postgres

import (
	"context"
	"testing"

	"github.com/Ciach0/nerimity-server/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerPushTargets(t *testing.T) {
	pool := setupTestDB(t)
	for _, id := range []string{"owner", "a", "b", "c", "d"} {
		insertUser(t, pool, id)
	}
	insertServer(t, pool, "s1", "owner")
	for _, id := range []string{"a", "b", "c", "d"} {
		insertMember(t, pool, "s1", id)
	}
	insertToken(t, pool, "a", "tok-a1")
	insertToken(t, pool, "a", "tok-a2")
	insertToken(t, pool, "b", "tok-b")
	insertToken(t, pool, "c", "tok-c")
	insertToken(t, pool, "owner", "tok-owner")
	insertPreference(t, pool, "b", "s1", "mentions_only")
	insertPreference(t, pool, "c", "s1", "mute")

	repo := NewPushRepo(pool)
	targets, err := repo.ServerPushTargets(context.Background(), "s1")
	require.NoError(t, err)

	byToken := map[string]domain.PushTarget{}
	for _, target := range targets {
		byToken[target.Token] = target
	}

	// d has no token; owner is not a member.
	assert.Len(t, targets, 4)
	assert.Equal(t, domain.PreferenceUnset, byToken["tok-a1"].Preference)
	assert.Equal(t, "a", byToken["tok-a2"].UserID)
	assert.Equal(t, domain.PreferenceMentionsOnly, byToken["tok-b"].Preference)
	assert.Equal(t, domain.PreferenceMute, byToken["tok-c"].Preference)
	assert.NotContains(t, byToken, "tok-owner")
}

func TestUserPushTokens(t *testing.T) {
	pool := setupTestDB(t)
	insertUser(t, pool, "u1")
	insertUser(t, pool, "u2")
	insertToken(t, pool, "u1", "t1")
	insertToken(t, pool, "u1", "t2")
	insertToken(t, pool, "u2", "t3")

	repo := NewPushRepo(pool)
	tokens, err := repo.UserPushTokens(context.Background(), "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.PushToken{{UserID: "u1", Token: "t1"}, {UserID: "u1", Token: "t2"}}, tokens)
}

func TestDeleteTokens(t *testing.T) {
	pool := setupTestDB(t)
	insertUser(t, pool, "u1")
	insertToken(t, pool, "u1", "t1")
	insertToken(t, pool, "u1", "t2")

	repo := NewPushRepo(pool)
	ctx := context.Background()

	require.NoError(t, repo.DeleteTokens(ctx, []string{"t1", "unknown"}))
	require.NoError(t, repo.DeleteTokens(ctx, nil))

	tokens, err := repo.UserPushTokens(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.PushToken{{UserID: "u1", Token: "t2"}}, tokens)
}
