package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// CacheKeySize is the fixed key length of the at-rest cache cipher.
const CacheKeySize = chacha20poly1305.KeySize

// ErrDecryption reports an authentication or format failure while decrypting.
// Callers treat it as recoverable.
var ErrDecryption = errors.New("crypto: decryption failed")

// Sealed is one at-rest ciphertext with the nonce that produced it.
type Sealed struct {
	Ciphertext []byte
	Nonce      []byte
}

// HexCiphertext returns the ciphertext hex-encoded for storage.
func (s Sealed) HexCiphertext() string { return hex.EncodeToString(s.Ciphertext) }

// HexNonce returns the nonce hex-encoded for storage.
func (s Sealed) HexNonce() string { return hex.EncodeToString(s.Nonce) }

// SealedFromHex decodes a stored ciphertext/nonce pair.
func SealedFromHex(ciphertextHex, nonceHex string) (Sealed, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return Sealed{}, errors.Wrap(ErrDecryption, "decode ciphertext hex")
	}
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil {
		return Sealed{}, errors.Wrap(ErrDecryption, "decode nonce hex")
	}
	return Sealed{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// DeriveCacheKey turns a per-user secret into a CacheKeySize key by truncating
// it or right-padding it with ASCII '0'.
func DeriveCacheKey(secret string) []byte {
	key := make([]byte, CacheKeySize)
	n := copy(key, secret)
	for i := n; i < CacheKeySize; i++ {
		key[i] = '0'
	}
	return key
}

// CacheCipher is XChaCha20-Poly1305 keyed for local at-rest protection.
type CacheCipher struct {
	aead cipher.AEAD
}

// NewCacheCipher derives the cache key from secret and prepares the AEAD.
func NewCacheCipher(secret string) (*CacheCipher, error) {
	if secret == "" {
		return nil, errors.New("cache secret is required")
	}
	aead, err := chacha20poly1305.NewX(DeriveCacheKey(secret))
	if err != nil {
		return nil, errors.Wrap(err, "create XChaCha20-Poly1305")
	}
	return &CacheCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random 24-byte nonce.
func (c *CacheCipher) Encrypt(plaintext string) (Sealed, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, errors.Wrap(err, "generate nonce")
	}

	return Sealed{
		Ciphertext: c.aead.Seal(nil, nonce, []byte(plaintext), nil),
		Nonce:      nonce,
	}, nil
}

// Decrypt opens a Sealed value. Any failure matches ErrDecryption.
func (c *CacheCipher) Decrypt(sealed Sealed) (string, error) {
	if len(sealed.Nonce) != c.aead.NonceSize() {
		return "", errors.Wrapf(ErrDecryption, "invalid nonce length: got %d want %d", len(sealed.Nonce), c.aead.NonceSize())
	}
	if len(sealed.Ciphertext) < c.aead.Overhead() {
		return "", errors.Wrap(ErrDecryption, "ciphertext shorter than tag")
	}

	plaintext, err := c.aead.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}
