package crypto

import (
	"encoding/hex"
	"encoding/pem"
	"io/fs"
	"os"

	"github.com/pkg/errors"
)

const messagePrivatePEMType = "DUCKCHAT MESSAGE PRIVATE KEY"

// EnsureMessageKeyFile loads the message private key from disk, generating and
// saving a new keypair if the file is absent. Keys are returned hex-encoded.
func EnsureMessageKeyFile(path string) (publicHex, privateHex string, err error) {
	privateHex, err = LoadMessageKeyFile(path)
	if err == nil {
		publicHex, err = PublicKeyFor(privateHex)
		if err != nil {
			return "", "", err
		}
		return publicHex, privateHex, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return "", "", err
	}

	publicHex, privateHex, err = GenerateMessageKeyPair()
	if err != nil {
		return "", "", err
	}
	if err := SaveMessageKeyFile(path, privateHex); err != nil {
		return "", "", err
	}

	return publicHex, privateHex, nil
}

// LoadMessageKeyFile reads a message private key from PEM.
func LoadMessageKeyFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrap(err, "read message private key")
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return "", errors.New("decode message key PEM: no PEM block")
	}
	if block.Type != messagePrivatePEMType {
		return "", errors.Errorf("decode message key PEM: unexpected type %q", block.Type)
	}
	if want := messageScheme().PrivateKeySize(); len(block.Bytes) != want {
		return "", errors.Errorf("decode message key PEM: invalid private key size %d", len(block.Bytes))
	}

	privateHex := hex.EncodeToString(block.Bytes)
	if _, err := parsePrivateKey(privateHex); err != nil {
		return "", err
	}
	return privateHex, nil
}

// SaveMessageKeyFile writes a message private key PEM file with 0600 permissions.
func SaveMessageKeyFile(path, privateHex string) error {
	priv, err := parsePrivateKey(privateHex)
	if err != nil {
		return err
	}
	raw, err := priv.MarshalBinary()
	if err != nil {
		return errors.Wrap(err, "marshal private key")
	}

	block := &pem.Block{
		Type:  messagePrivatePEMType,
		Bytes: raw,
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return errors.Wrap(err, "write message private key")
	}

	return nil
}
