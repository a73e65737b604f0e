package utils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
	"os"

	"golang.org/x/crypto/nacl/secretbox"
)

var errDecryptFailed = errors.New("credential decryption failed")

func secretboxKey() [32]byte {
	// CREDENTIAL_ENCRYPTION_KEY is required in production; the fallback keeps
	// local/dev environments working without extra setup.
	raw := os.Getenv("CREDENTIAL_ENCRYPTION_KEY")
	if raw == "" {
		raw = "synchub-dev-only-credential-key"
	}
	return sha256.Sum256([]byte(raw))
}

// EncryptSecret seals a secret for at-rest storage. Output is base64 of
// nonce||ciphertext.
func EncryptSecret(plain string) (string, error) {
	key := secretboxKey()
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], []byte(plain), &nonce, &key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func DecryptSecret(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	key := secretboxKey()
	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	if len(sealed) < 24 {
		return "", errDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plain, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return "", errDecryptFailed
	}
	return string(plain), nil
}
