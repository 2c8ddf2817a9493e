package keychain

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

type sealKey [32]byte

// parseKey decodes the base64 secret from configuration. the key never
// lives anywhere except process memory and the operator's config file.
func parseKey(base64Key string) (sealKey, error) {
	var key sealKey
	if base64Key == "" {
		return key, fmt.Errorf("missing keychain secret key")
	}
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return key, fmt.Errorf("decode keychain secret key: %w", err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("keychain secret key must decode to %d bytes, got %d", len(key), len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

func (k sealKey) seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	boxKey := [32]byte(k)
	return secretbox.Seal(nonce[:], plaintext, &nonce, &boxKey), nil
}

func (k sealKey) open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("sealed value too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	boxKey := [32]byte(k)
	plaintext, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &boxKey)
	if !ok {
		return nil, fmt.Errorf("failed to open sealed value, wrong key?")
	}
	return plaintext, nil
}
