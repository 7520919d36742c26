package storage

import (
	"time"

	"github.com/pkg/errors"

	"duckchat/crypto"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// ContentCipher protects message content at rest. *crypto.CacheCipher
// implements it.
type ContentCipher interface {
	Encrypt(plaintext string) (crypto.Sealed, error)
	Decrypt(sealed crypto.Sealed) (string, error)
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// pair orders two user ids so either direction hits the same index key.
func pair(a, b int64) (low, high int64) {
	if a <= b {
		return a, b
	}
	return b, a
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func toUnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return nowUnixMilli()
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
