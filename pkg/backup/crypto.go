package backup

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfSalt       = "protekt_salt"
	kdfIterations = 100000
	keyLength     = 32
)

// cipherBox encrypts and decrypts backup archives with AES-256-GCM. The
// key is derived from the configured hex key material with PBKDF2, so the
// same configuration always opens the same backups.
type cipherBox struct {
	aead cipher.AEAD
}

func newCipherBox(hexKey string) (*cipherBox, error) {
	keyMaterial, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	key := pbkdf2.Key(keyMaterial, []byte(kdfSalt), kdfIterations, keyLength, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &cipherBox{aead: aead}, nil
}

// encryptFile seals src into dst with the nonce prepended.
func (c *cipherBox) encryptFile(src, dst string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := c.aead.Seal(nonce, nonce, plaintext, nil)

	if err := os.WriteFile(dst, ciphertext, 0o600); err != nil {
		return fmt.Errorf("failed to write encrypted backup: %w", err)
	}
	return nil
}

// decryptFile opens src and writes the plaintext archive to dst.
func (c *cipherBox) decryptFile(src, dst string) error {
	ciphertext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read encrypted backup: %w", err)
	}
	if len(ciphertext) < c.aead.NonceSize() {
		return fmt.Errorf("encrypted backup truncated")
	}

	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("failed to decrypt backup: %w", err)
	}

	if err := os.WriteFile(dst, plaintext, 0o600); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// fileChecksum is the SHA-256 hex digest of the file at path.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
