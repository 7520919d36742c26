package storage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duckchat/crypto"
)

func TestPrivateKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	owner := newSpyCipher(t, "owner-secret")

	_, err := store.LoadPrivateKey(7, owner)
	require.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, store.SavePrivateKey(7, "first-key", owner))
	require.NoError(t, store.SavePrivateKey(7, "second-key", owner))

	got, err := store.LoadPrivateKey(7, owner)
	require.NoError(t, err)
	assert.Equal(t, "second-key", got)

	var encrypted string
	require.NoError(t, store.db.QueryRow(`SELECT encrypted_key FROM private_keys WHERE user_id = 7`).Scan(&encrypted))
	assert.NotContains(t, encrypted, "second-key")
}

func TestLoadPrivateKeyWithWrongCacheKey(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.SavePrivateKey(7, "key", newSpyCipher(t, "owner-secret")))
	_, err := store.LoadPrivateKey(7, newSpyCipher(t, "other-secret"))
	require.True(t, errors.Is(err, crypto.ErrDecryption))
}
