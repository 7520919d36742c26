package crypto

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/cloudflare/circl/hpke"
	"github.com/cloudflare/circl/kem"
	"github.com/pkg/errors"
)

// messageSuite is HPKE base mode: DHKEM(X25519, HKDF-SHA256), HKDF-SHA256,
// ChaCha20-Poly1305.
var messageSuite = hpke.NewSuite(
	hpke.KEM_X25519_HKDF_SHA256,
	hpke.KDF_HKDF_SHA256,
	hpke.AEAD_ChaCha20Poly1305,
)

var messageInfo = []byte("duckchat message v1")

func messageScheme() kem.Scheme {
	return hpke.KEM_X25519_HKDF_SHA256.Scheme()
}

// GenerateMessageKeyPair creates a recipient keypair, both halves hex-encoded.
func GenerateMessageKeyPair() (publicHex, privateHex string, err error) {
	pub, priv, err := messageScheme().GenerateKeyPair()
	if err != nil {
		return "", "", errors.Wrap(err, "generate message keypair")
	}
	return encodeKeyPair(pub, priv)
}

// PublicKeyFor returns the hex public key matching a hex private key.
func PublicKeyFor(privateHex string) (string, error) {
	priv, err := parsePrivateKey(privateHex)
	if err != nil {
		return "", err
	}
	raw, err := priv.Public().MarshalBinary()
	if err != nil {
		return "", errors.Wrap(err, "marshal public key")
	}
	return hex.EncodeToString(raw), nil
}

// EncryptForRecipient seals plaintext so only the holder of the private key
// matching recipientPublicKey can open it. The result is hex(enc || ciphertext).
func EncryptForRecipient(plaintext, recipientPublicKey string) (string, error) {
	raw, err := hex.DecodeString(recipientPublicKey)
	if err != nil {
		return "", errors.Wrap(err, "decode recipient public key")
	}
	pub, err := messageScheme().UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return "", errors.Wrap(err, "parse recipient public key")
	}

	sender, err := messageSuite.NewSender(pub, messageInfo)
	if err != nil {
		return "", errors.Wrap(err, "create HPKE sender")
	}
	enc, sealer, err := sender.Setup(rand.Reader)
	if err != nil {
		return "", errors.Wrap(err, "set up HPKE sender")
	}
	ciphertext, err := sealer.Seal([]byte(plaintext), nil)
	if err != nil {
		return "", errors.Wrap(err, "seal message")
	}

	out := make([]byte, 0, len(enc)+len(ciphertext))
	out = append(out, enc...)
	out = append(out, ciphertext...)
	return hex.EncodeToString(out), nil
}

// DecryptWithPrivateKey opens a value produced by EncryptForRecipient. Any
// failure matches ErrDecryption.
func DecryptWithPrivateKey(ciphertextHex, privateKey string) (string, error) {
	priv, err := parsePrivateKey(privateKey)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, err.Error())
	}

	raw, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, "decode ciphertext hex")
	}
	encSize := messageScheme().CiphertextSize()
	if len(raw) <= encSize {
		return "", errors.Wrapf(ErrDecryption, "ciphertext too short: %d bytes", len(raw))
	}

	receiver, err := messageSuite.NewReceiver(priv, messageInfo)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, err.Error())
	}
	opener, err := receiver.Setup(raw[:encSize])
	if err != nil {
		return "", errors.Wrap(ErrDecryption, err.Error())
	}
	plaintext, err := opener.Open(raw[encSize:], nil)
	if err != nil {
		return "", errors.Wrap(ErrDecryption, err.Error())
	}
	return string(plaintext), nil
}

func parsePrivateKey(privateHex string) (kem.PrivateKey, error) {
	raw, err := hex.DecodeString(privateHex)
	if err != nil {
		return nil, errors.Wrap(err, "decode private key hex")
	}
	priv, err := messageScheme().UnmarshalBinaryPrivateKey(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse private key")
	}
	return priv, nil
}

func encodeKeyPair(pub kem.PublicKey, priv kem.PrivateKey) (string, string, error) {
	rawPub, err := pub.MarshalBinary()
	if err != nil {
		return "", "", errors.Wrap(err, "marshal public key")
	}
	rawPriv, err := priv.MarshalBinary()
	if err != nil {
		return "", "", errors.Wrap(err, "marshal private key")
	}
	return hex.EncodeToString(rawPub), hex.EncodeToString(rawPriv), nil
}
