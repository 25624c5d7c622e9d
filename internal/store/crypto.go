package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// fieldSalt is the fixed, process-level KDF salt. Per spec.md §3/§9 this is
// a deliberate simplification: the database file itself is the unit of
// secrecy, not the salt. A per-database random salt is a noted
// implementation option, not a required change.
const fieldSalt = "honeygrid_salt_v1"

const (
	kdfIterations = 100_000
	keyLength     = 32 // 256-bit AEAD key
)

// fieldCipher performs authenticated, self-contained field-level
// encryption: each ciphertext is nonce‖ciphertext‖tag, so encrypting the
// same plaintext twice yields distinct outputs (P7).
type fieldCipher struct {
	aead cipher.AEAD
}

func newFieldCipher(passphrase string) (*fieldCipher, error) {
	key := pbkdf2.Key([]byte(passphrase), []byte(fieldSalt), kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("store: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: init AEAD: %w", err)
	}
	return &fieldCipher{aead: aead}, nil
}

// encrypt returns nonce‖ciphertext‖tag for plaintext. An empty string still
// round-trips (useful for optional fields).
func (c *fieldCipher) encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("store: generate field nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealed, nil
}

func (c *fieldCipher) decrypt(ciphertext []byte) (string, error) {
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("store: ciphertext shorter than nonce")
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("store: decrypt field: %w", err)
	}
	return string(plaintext), nil
}
