package authcache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"console-jobs/internal/models"
)

type countingVerifier struct {
	calls int
	keys  map[string]models.APIKey
}

func (v *countingVerifier) Verify(_ context.Context, token string) (models.APIKey, error) {
	v.calls++
	if key, ok := v.keys[token]; ok {
		return key, nil
	}
	return models.APIKey{}, ErrUnauthorized
}

func newTestCache(t *testing.T, verifier Verifier) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, verifier, 30*time.Second, 5*time.Minute), mr
}

func TestAuthenticateCachesValidTokens(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{keys: map[string]models.APIKey{
		"ck_live_secret": {ID: "k1", Subject: "team-1", Scopes: []string{"jobs:write"}},
	}}
	cache, _ := newTestCache(t, verifier)

	id, err := cache.Authenticate(ctx, "ck_live_secret")
	require.NoError(t, err)
	assert.Equal(t, "team-1", id.Subject)
	assert.True(t, id.HasScope("jobs:write"))
	assert.Equal(t, 1, verifier.calls)

	// Second lookup is served entirely from cache.
	id, err = cache.Authenticate(ctx, "ck_live_secret")
	require.NoError(t, err)
	assert.Equal(t, "team-1", id.Subject)
	assert.Equal(t, 1, verifier.calls)
}

func TestAuthenticateDoesNotCacheFailures(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{keys: map[string]models.APIKey{}}
	cache, _ := newTestCache(t, verifier)

	_, err := cache.Authenticate(ctx, "ck_live_bogus")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, 1, verifier.calls)

	// The failure was not cached; a fixed credential works immediately.
	verifier.keys["ck_live_bogus"] = models.APIKey{ID: "k2", Subject: "team-2"}
	id, err := cache.Authenticate(ctx, "ck_live_bogus")
	require.NoError(t, err)
	assert.Equal(t, "team-2", id.Subject)
	assert.Equal(t, 2, verifier.calls)
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	verifier := &countingVerifier{}
	cache, _ := newTestCache(t, verifier)

	_, err := cache.Authenticate(context.Background(), "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, verifier.calls)
}

func TestEvictPermissionsForcesReverify(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{keys: map[string]models.APIKey{
		"ck_live_secret": {ID: "k1", Subject: "team-1", Scopes: []string{"jobs:write"}},
	}}
	cache, _ := newTestCache(t, verifier)

	_, err := cache.Authenticate(ctx, "ck_live_secret")
	require.NoError(t, err)
	require.NoError(t, cache.EvictPermissions(ctx, "team-1"))

	// Permission change lands before the next request.
	verifier.keys["ck_live_secret"] = models.APIKey{ID: "k1", Subject: "team-1", Scopes: []string{"jobs:write", "admin"}}
	id, err := cache.Authenticate(ctx, "ck_live_secret")
	require.NoError(t, err)
	assert.True(t, id.HasScope("admin"))
	assert.Equal(t, 2, verifier.calls)
}

func TestTokenCacheExpires(t *testing.T) {
	ctx := context.Background()
	verifier := &countingVerifier{keys: map[string]models.APIKey{
		"ck_live_secret": {ID: "k1", Subject: "team-1", Scopes: []string{"jobs:write"}},
	}}
	cache, mr := newTestCache(t, verifier)

	_, err := cache.Authenticate(ctx, "ck_live_secret")
	require.NoError(t, err)

	mr.FastForward(31 * time.Second)
	_, err = cache.Authenticate(ctx, "ck_live_secret")
	require.NoError(t, err)
	assert.Equal(t, 2, verifier.calls)
}
