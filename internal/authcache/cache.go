// Package authcache validates bearer credentials and caches the result with
// two independent TTLs: a short one for token validity and a medium one for
// the subject's resolved permission set. Redis is the cache so every API
// replica sees the same entries and evictions.
package authcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"console-jobs/internal/models"
	"console-jobs/internal/telemetry"
)

// ErrUnauthorized is returned for missing, malformed, or invalid credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Identity is a validated caller.
type Identity struct {
	Subject string   `json:"subject"`
	Scopes  []string `json:"scopes"`
}

// HasScope reports whether the identity carries the given scope.
func (id Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Verifier performs the full credential check on a cache miss. The issuing
// authority (the api_keys table) stays the source of truth; the cache only
// bounds how often it is consulted.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.APIKey, error)
}

// Cache fronts a Verifier with token-validity and permission-set caches.
type Cache struct {
	client   *redis.Client
	verifier Verifier
	tokenTTL time.Duration
	permTTL  time.Duration
}

// New constructs the cache. tokenTTL should be short (seconds); permTTL
// medium (minutes).
func New(client *redis.Client, verifier Verifier, tokenTTL, permTTL time.Duration) *Cache {
	if tokenTTL == 0 {
		tokenTTL = 30 * time.Second
	}
	if permTTL == 0 {
		permTTL = 5 * time.Minute
	}
	return &Cache{client: client, verifier: verifier, tokenTTL: tokenTTL, permTTL: permTTL}
}

func tokenKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "auth:token:" + hex.EncodeToString(sum[:])
}

func permKey(subject string) string {
	return "auth:perms:" + subject
}

// Authenticate resolves a bearer token to an identity. A token cache hit
// skips verification entirely; a miss runs the verifier and populates both
// caches. Failed validations are never cached, so a fixed credential works
// on the next request.
func (c *Cache) Authenticate(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrUnauthorized
	}

	tk := tokenKey(token)
	subject, err := c.client.Get(ctx, tk).Result()
	if err == nil && subject != "" {
		scopes, found, err := c.cachedScopes(ctx, subject)
		if err == nil && found {
			telemetry.AuthCacheHits.Inc()
			return Identity{Subject: subject, Scopes: scopes}, nil
		}
		// Token still valid but permissions expired or evicted; re-verify to
		// pick up the current permission set.
	} else if err != nil && err != redis.Nil {
		return Identity{}, fmt.Errorf("token cache: %w", err)
	}

	telemetry.AuthCacheMisses.Inc()
	key, err := c.verifier.Verify(ctx, token)
	if err != nil {
		return Identity{}, err
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, tk, key.Subject, c.tokenTTL)
	scopesJSON, _ := json.Marshal(key.Scopes)
	pipe.Set(ctx, permKey(key.Subject), scopesJSON, c.permTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		// Cache write failure degrades to verifying every request.
		return Identity{Subject: key.Subject, Scopes: key.Scopes}, nil
	}
	return Identity{Subject: key.Subject, Scopes: key.Scopes}, nil
}

// EvictPermissions drops the subject's permission cache entry. Called by
// permission-changing mutations so the next request re-resolves scopes.
func (c *Cache) EvictPermissions(ctx context.Context, subject string) error {
	return c.client.Del(ctx, permKey(subject)).Err()
}

func (c *Cache) cachedScopes(ctx context.Context, subject string) ([]string, bool, error) {
	val, err := c.client.Get(ctx, permKey(subject)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var scopes []string
	if err := json.Unmarshal(val, &scopes); err != nil {
		return nil, false, err
	}
	return scopes, true, nil
}
