package authcache

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"console-jobs/internal/models"
	"console-jobs/internal/store"
)

const keyPrefixLen = 8

// KeyVerifier checks a raw API key against bcrypt hashes in the store.
// Keys are located by their first eight characters so one lookup narrows
// the candidate set before the expensive compare.
type KeyVerifier struct {
	store store.Store
}

// NewKeyVerifier builds a verifier over the credential table.
func NewKeyVerifier(s store.Store) *KeyVerifier {
	return &KeyVerifier{store: s}
}

// Verify resolves the raw key to its credential row or ErrUnauthorized.
func (v *KeyVerifier) Verify(ctx context.Context, rawKey string) (models.APIKey, error) {
	if len(rawKey) < keyPrefixLen {
		return models.APIKey{}, ErrUnauthorized
	}
	keys, err := v.store.GetAPIKeysByPrefix(ctx, rawKey[:keyPrefixLen])
	if err != nil {
		return models.APIKey{}, err
	}
	for _, key := range keys {
		if bcrypt.CompareHashAndPassword([]byte(key.KeyHash), []byte(rawKey)) == nil {
			return key, nil
		}
	}
	return models.APIKey{}, ErrUnauthorized
}
