// Package secret encrypts storage credentials at rest. The sync engine
// only ever calls Decrypt, immediately before building a storage client.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// keyLen is the AES-256 key length derived from the master secret.
	keyLen = 32

	// hkdfInfo binds the derived key to credential encryption.
	hkdfInfo = "notesync-credentials-v1"

	// Masked is what API reads return in place of a stored credential.
	Masked = "********"
)

// ErrMalformed is returned for ciphertext that cannot be decoded.
var ErrMalformed = errors.New("malformed ciphertext")

// Box encrypts and decrypts short strings with AES-256-GCM. Output is
// base64([12-byte nonce][ciphertext+tag]).
type Box struct {
	gcm cipher.AEAD
}

// NewBox derives the box key from master via HKDF-SHA256.
func NewBox(master string) (*Box, error) {
	if master == "" {
		return nil, errors.New("secret key is empty")
	}

	key, err := deriveKey([]byte(master))
	if err != nil {
		return nil, fmt.Errorf("deriving credential key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Box{gcm: gcm}, nil
}

// Encrypt seals plaintext with a random nonce. The empty string encrypts
// to the empty string so unset credentials stay unset.
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", ErrMalformed)
	}

	nonceSize := b.gcm.NonceSize()
	if len(data) < nonceSize+b.gcm.Overhead() {
		return "", fmt.Errorf("ciphertext too short: %d bytes: %w", len(data), ErrMalformed)
	}

	plaintext, err := b.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	return string(plaintext), nil
}

// Mask returns Masked for a set credential and "" for an unset one.
func Mask(stored string) string {
	if stored == "" {
		return ""
	}

	return Masked
}

func deriveKey(master []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(hkdfInfo))

	out := make([]byte, keyLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}

	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
