package registry

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/unitrack/unitrack/internal/model"
)

// Cipher seals and opens credential blobs with AES-256-GCM. The data key is
// derived from the configured master key with HKDF-SHA256 so the raw master
// key never touches the cipher directly.
type Cipher struct {
	aead cipher.AEAD
}

const keyInfo = "unitrack/credential-encryption/v1"

// NewCipher derives the data key and prepares the AEAD.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("crypto: master key is required")
	}

	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("crypto: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts a credential for storage. The nonce is prepended to the
// ciphertext.
func (c *Cipher) Seal(cred *model.Credential) ([]byte, error) {
	plaintext, err := json.Marshal(cred)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal credential: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a stored credential blob.
func (c *Cipher) Open(blob []byte) (*model.Credential, error) {
	if len(blob) < c.aead.NonceSize() {
		return nil, fmt.Errorf("crypto: blob too short")
	}
	nonce, ciphertext := blob[:c.aead.NonceSize()], blob[c.aead.NonceSize():]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: open credential: %w", err)
	}

	var cred model.Credential
	if err := json.Unmarshal(plaintext, &cred); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal credential: %w", err)
	}
	return &cred, nil
}
