package quarantine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// hkdfInfo scopes the derived key to quarantine blob encryption.
	// Changing this string invalidates every previously encrypted blob;
	// that is deliberate domain separation, bump the version suffix only
	// together with a re-encryption migration.
	hkdfInfo = "filesentry:quarantine:aes256gcm:v1"

	aesKeySize = 32
	nonceSize  = 12
)

// Cipher performs authenticated encryption of quarantine payloads with
// AES-256-GCM under a key derived from the configured secret material.
//
// The derived key is process-wide read-only state: it is never logged,
// serialized, or returned to callers.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives a 256-bit key from secret via HKDF-SHA256 and prepares
// the AEAD. The secret itself is not retained.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, fmt.Errorf("secret material must not be empty")
	}

	key := make([]byte, aesKeySize)
	reader := hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM cipher: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
// Output layout: [12-byte nonce][ciphertext][16-byte GCM tag].
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. A blob shorter than
// nonce + tag fails with ErrBlobTooShort; a failed integrity check
// (tampering, truncation past the minimum, wrong key) fails with
// ErrAuthentication. No partial recovery is attempted.
func (c *Cipher) Decrypt(blob []byte) ([]byte, error) {
	minSize := nonceSize + c.aead.Overhead()
	if len(blob) < minSize {
		return nil, fmt.Errorf("%w: %d bytes, need at least %d", ErrBlobTooShort, len(blob), minSize)
	}

	nonce, ciphertext := blob[:nonceSize], blob[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
