package crypto

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestMessageCipherRoundTrip(t *testing.T) {
	publicKey, privateKey, err := GenerateMessageKeyPair()
	if err != nil {
		t.Fatalf("GenerateMessageKeyPair failed: %v", err)
	}

	ciphertext, err := EncryptForRecipient("hello", publicKey)
	if err != nil {
		t.Fatalf("EncryptForRecipient failed: %v", err)
	}
	if _, err := hex.DecodeString(ciphertext); err != nil {
		t.Fatalf("expected hex output, got %v", err)
	}

	plaintext, err := DecryptWithPrivateKey(ciphertext, privateKey)
	if err != nil {
		t.Fatalf("DecryptWithPrivateKey failed: %v", err)
	}
	if plaintext != "hello" {
		t.Fatalf("unexpected plaintext %q", plaintext)
	}
}

func TestMessageCipherRejectsUnrelatedKey(t *testing.T) {
	publicKey, _, err := GenerateMessageKeyPair()
	if err != nil {
		t.Fatalf("GenerateMessageKeyPair failed: %v", err)
	}
	_, otherPrivate, err := GenerateMessageKeyPair()
	if err != nil {
		t.Fatalf("GenerateMessageKeyPair failed: %v", err)
	}

	ciphertext, err := EncryptForRecipient("for someone else", publicKey)
	if err != nil {
		t.Fatalf("EncryptForRecipient failed: %v", err)
	}
	if _, err := DecryptWithPrivateKey(ciphertext, otherPrivate); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption, got %v", err)
	}
}

func TestMessageCipherRejectsMalformedInput(t *testing.T) {
	_, privateKey, err := GenerateMessageKeyPair()
	if err != nil {
		t.Fatalf("GenerateMessageKeyPair failed: %v", err)
	}

	cases := map[string]string{
		"not hex":   "not-hex",
		"too short": "abcd",
		"empty":     "",
	}
	for name, input := range cases {
		if _, err := DecryptWithPrivateKey(input, privateKey); !errors.Is(err, ErrDecryption) {
			t.Fatalf("%s: expected ErrDecryption, got %v", name, err)
		}
	}

	if _, err := DecryptWithPrivateKey("00", "bad-key"); !errors.Is(err, ErrDecryption) {
		t.Fatalf("expected ErrDecryption for malformed private key, got %v", err)
	}
	if _, err := EncryptForRecipient("x", "bad-key"); err == nil {
		t.Fatalf("expected error for malformed public key")
	}
}

func TestPublicKeyForMatchesGeneratedPair(t *testing.T) {
	publicKey, privateKey, err := GenerateMessageKeyPair()
	if err != nil {
		t.Fatalf("GenerateMessageKeyPair failed: %v", err)
	}
	derived, err := PublicKeyFor(privateKey)
	if err != nil {
		t.Fatalf("PublicKeyFor failed: %v", err)
	}
	if derived != publicKey {
		t.Fatalf("expected derived public key to match generated one")
	}
}

func TestEnsureMessageKeyFileIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "message_private.pem")

	firstPublic, firstPrivate, err := EnsureMessageKeyFile(path)
	if err != nil {
		t.Fatalf("first EnsureMessageKeyFile failed: %v", err)
	}
	secondPublic, secondPrivate, err := EnsureMessageKeyFile(path)
	if err != nil {
		t.Fatalf("second EnsureMessageKeyFile failed: %v", err)
	}

	if firstPrivate != secondPrivate {
		t.Fatalf("expected stable private key across runs")
	}
	if firstPublic != secondPublic {
		t.Fatalf("expected stable public key across runs")
	}
}
