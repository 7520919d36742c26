package storage

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"duckchat/crypto"
	"duckchat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	require.NoError(t, err, "open test store")
	t.Cleanup(func() {
		require.NoError(t, store.Close(), "close test store")
	})

	return store
}

// spyCipher counts cipher calls and can be told to fail on chosen plaintexts.
type spyCipher struct {
	inner    *crypto.CacheCipher
	encrypts atomic.Int64
	decrypts atomic.Int64
	failOn   map[string]bool
}

func newSpyCipher(t *testing.T, secret string) *spyCipher {
	t.Helper()

	inner, err := crypto.NewCacheCipher(secret)
	require.NoError(t, err)
	return &spyCipher{inner: inner, failOn: map[string]bool{}}
}

func (c *spyCipher) Encrypt(plaintext string) (crypto.Sealed, error) {
	c.encrypts.Add(1)
	if c.failOn[plaintext] {
		return crypto.Sealed{}, errors.New("forced encryption failure")
	}
	return c.inner.Encrypt(plaintext)
}

func (c *spyCipher) Decrypt(sealed crypto.Sealed) (string, error) {
	c.decrypts.Add(1)
	return c.inner.Decrypt(sealed)
}

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testMessage(id string, sender, receiver int64, content string, offset time.Duration) models.Message {
	at := baseTime.Add(offset)
	return models.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Version:    1,
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}
