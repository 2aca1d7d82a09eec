package crypto

import (
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
)

const localKeyPEMType = "CONVERSE LOCAL KEY"

// KeySize is the size of the at-rest encryption key in bytes.
const KeySize = chacha20poly1305.KeySize

// EnsureLocalKey loads the at-rest encryption key from disk, generating it on
// first run. The key never leaves the local machine; it only protects
// persisted session credentials against casual disk reads.
func EnsureLocalKey(path string) ([]byte, error) {
	key, err := LoadLocalKey(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate local key: %w", err)
	}
	if err := SaveLocalKey(path, key); err != nil {
		return nil, err
	}
	return key, nil
}

// LoadLocalKey loads the at-rest encryption key from a PEM file.
func LoadLocalKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read local key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("decode local key PEM: no PEM block")
	}
	if block.Type != localKeyPEMType {
		return nil, fmt.Errorf("decode local key PEM: unexpected type %q", block.Type)
	}
	if len(block.Bytes) != KeySize {
		return nil, fmt.Errorf("decode local key PEM: invalid key size %d", len(block.Bytes))
	}

	return block.Bytes, nil
}

// SaveLocalKey writes the key as PEM with owner-only permissions.
func SaveLocalKey(path string, key []byte) error {
	if len(key) != KeySize {
		return fmt.Errorf("invalid local key length: got %d want %d", len(key), KeySize)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	encoded := pem.EncodeToMemory(&pem.Block{Type: localKeyPEMType, Bytes: key})
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("write local key: %w", err)
	}
	return nil
}

// Seal encrypts plaintext with ChaCha20-Poly1305 and returns nonce||ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a nonce||ciphertext blob produced by Seal.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("create AEAD: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("sealed blob is too short")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt sealed blob: %w", err)
	}
	return plaintext, nil
}
