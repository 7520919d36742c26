// Package session holds the identity and key material of the signed-in user.
package session

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"duckchat/crypto"
)

// Session is the explicit context every engine operation runs under. It is
// immutable after New.
type Session struct {
	userID     int64
	privateKey string
	publicKey  string
	cache      *crypto.CacheCipher
}

// New validates the user's credentials and derives the cache cipher from
// cacheSecret.
func New(userID int64, privateKeyHex, cacheSecret string) (*Session, error) {
	if userID <= 0 {
		return nil, errors.Errorf("invalid user id %d", userID)
	}
	if privateKeyHex == "" {
		return nil, errors.New("private key is required")
	}
	publicKey, err := crypto.PublicKeyFor(privateKeyHex)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	cache, err := crypto.NewCacheCipher(cacheSecret)
	if err != nil {
		return nil, errors.Wrap(err, "derive cache cipher")
	}

	return &Session{
		userID:     userID,
		privateKey: privateKeyHex,
		publicKey:  publicKey,
		cache:      cache,
	}, nil
}

// UserID returns the signed-in user's id.
func (s *Session) UserID() int64 { return s.userID }

// PrivateKey returns the hex message private key.
func (s *Session) PrivateKey() string { return s.privateKey }

// PublicKey returns the hex message public key matching PrivateKey.
func (s *Session) PublicKey() string { return s.publicKey }

// Cache returns the at-rest cipher for this user's local store.
func (s *Session) Cache() *crypto.CacheCipher { return s.cache }

// MarshalZerologObject logs the user id only.
func (s *Session) MarshalZerologObject(e *zerolog.Event) {
	e.Int64("user_id", s.userID)
}

func (s *Session) String() string {
	return fmt.Sprintf("session(user=%d, keys=redacted)", s.userID)
}
