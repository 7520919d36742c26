package storage

import (
	"database/sql"

	"github.com/pkg/errors"

	"duckchat/crypto"
)

// SavePrivateKey stores the user's message private key encrypted under cipher,
// replacing any previous value.
func (s *Store) SavePrivateKey(userID int64, privateKey string, cipher ContentCipher) error {
	if userID == 0 {
		return errors.New("user id is required")
	}
	if privateKey == "" {
		return errors.New("private key is required")
	}

	sealed, err := cipher.Encrypt(privateKey)
	if err != nil {
		return errors.Wrap(err, "encrypt private key")
	}

	if _, err := s.db.Exec(
		`INSERT INTO private_keys (user_id, encrypted_key, iv, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			encrypted_key = excluded.encrypted_key,
			iv = excluded.iv,
			updated_at = excluded.updated_at`,
		userID,
		sealed.HexCiphertext(),
		sealed.HexNonce(),
		nowUnixMilli(),
	); err != nil {
		return errors.Wrapf(err, "save private key for user %d", userID)
	}

	return nil
}

// LoadPrivateKey returns the user's decrypted message private key, ErrNotFound
// if none is stored, or an error matching crypto.ErrDecryption if cipher does
// not open it.
func (s *Store) LoadPrivateKey(userID int64, cipher ContentCipher) (string, error) {
	var encryptedKey, iv string
	if err := s.db.QueryRow(
		`SELECT encrypted_key, iv FROM private_keys WHERE user_id = ?`,
		userID,
	).Scan(&encryptedKey, &iv); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", errors.Wrapf(err, "load private key for user %d", userID)
	}

	sealed, err := crypto.SealedFromHex(encryptedKey, iv)
	if err != nil {
		return "", err
	}
	return cipher.Decrypt(sealed)
}
