// Package credentials resolves and decrypts stored provider secrets.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltLength       = 64
	ivLength         = 16
	tagLength        = 16
	keyLength        = 32
	defaultIteration = 100000
)

var (
	// ErrMissingKey is returned when a Cipher is built without a secret.
	ErrMissingKey = errors.New("credentials: encryption key is empty")
	// ErrMalformed is returned for ciphertext that is not salt|iv|tag|data hex.
	ErrMalformed = errors.New("credentials: malformed ciphertext")
)

// Cipher encrypts secrets with AES-256-GCM under a PBKDF2-SHA512 derived key.
// The hex layout salt(64) | iv(16) | tag(16) | ciphertext matches values
// written by the cryptr package, so existing rows decrypt unchanged.
type Cipher struct {
	secret     []byte
	iterations int
}

// CipherOption tweaks a Cipher.
type CipherOption func(*Cipher)

// WithIterations overrides the PBKDF2 iteration count. Values written with a
// different count will not decrypt.
func WithIterations(n int) CipherOption {
	return func(c *Cipher) {
		if n > 0 {
			c.iterations = n
		}
	}
}

func NewCipher(secret string, opts ...CipherOption) (*Cipher, error) {
	if secret == "" {
		return nil, ErrMissingKey
	}
	c := &Cipher{secret: []byte(secret), iterations: defaultIteration}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cipher) gcm(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.secret, salt, c.iterations, keyLength, sha512.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, ivLength)
}

// Encrypt returns the hex encoded ciphertext of plaintext.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	header := make([]byte, saltLength+ivLength)
	if _, err := rand.Read(header); err != nil {
		return "", fmt.Errorf("credentials: read random: %w", err)
	}
	salt, iv := header[:saltLength], header[saltLength:]

	aead, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	data, tag := sealed[:len(sealed)-tagLength], sealed[len(sealed)-tagLength:]

	out := make([]byte, 0, len(header)+len(sealed))
	out = append(out, header...)
	out = append(out, tag...)
	out = append(out, data...)
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	raw, err := hex.DecodeString(ciphertext)
	if err != nil || len(raw) < saltLength+ivLength+tagLength {
		return "", ErrMalformed
	}
	salt := raw[:saltLength]
	iv := raw[saltLength : saltLength+ivLength]
	tag := raw[saltLength+ivLength : saltLength+ivLength+tagLength]
	data := raw[saltLength+ivLength+tagLength:]

	aead, err := c.gcm(salt)
	if err != nil {
		return "", err
	}
	// Go's AEAD expects the tag appended to the data.
	sealed := make([]byte, 0, len(data)+len(tag))
	sealed = append(sealed, data...)
	sealed = append(sealed, tag...)
	plain, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt: %w", err)
	}
	return string(plain), nil
}
