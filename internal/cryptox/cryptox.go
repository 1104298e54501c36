// Package cryptox provides the AEAD, hashing, and HMAC primitives shared
// by the verification and notification paths.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrInvalidFormat reports a ciphertext that is not nonce:tag:body.
	ErrInvalidFormat = errors.New("invalid_format")
	// ErrAuthFailed reports an AEAD open failure (wrong key or tampering).
	ErrAuthFailed = errors.New("auth_failed")
)

const (
	nonceSize = 12
	tagSize   = 16

	// BcryptCost is deliberately above the library default.
	BcryptCost = 12
)

// Cipher encrypts with AES-256-GCM under per-context derived keys.
type Cipher struct {
	master []byte
}

func NewCipher(masterKey string) *Cipher {
	return &Cipher{master: []byte(masterKey)}
}

// contextKey = HMAC-SHA256(master, contextID). Compromise of one
// context's key does not cascade to siblings.
func (c *Cipher) contextKey(contextID string) []byte {
	mac := hmac.New(sha256.New, c.master)
	mac.Write([]byte(contextID))
	return mac.Sum(nil)
}

// Encrypt seals plaintext under the context key. Wire form is
// base64(nonce):base64(tag):base64(body), std encoding.
func (c *Cipher) Encrypt(plaintext []byte, contextID string) (string, error) {
	block, err := aes.NewCipher(c.contextKey(contextID))
	if err != nil {
		return "", err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	body, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]
	enc := base64.StdEncoding.EncodeToString
	return enc(nonce) + ":" + enc(tag) + ":" + enc(body), nil
}

// Decrypt opens a wire-form ciphertext. Returns ErrInvalidFormat for a
// malformed envelope and ErrAuthFailed when the tag does not verify.
func (c *Cipher) Decrypt(ciphertext, contextID string) ([]byte, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 3 {
		return nil, ErrInvalidFormat
	}
	nonce, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(nonce) != nonceSize {
		return nil, ErrInvalidFormat
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return nil, ErrInvalidFormat
	}
	body, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, ErrInvalidFormat
	}
	block, err := aes.NewCipher(c.contextKey(contextID))
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, append(body, tag...), nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plain, nil
}

// HashPassword hashes with bcrypt at BcryptCost.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// RandomToken returns n bytes of OS entropy, hex encoded.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HMACSum returns the raw HMAC-SHA256 digest of data.
func HMACSum(secret string, data []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(data)
	return mac.Sum(nil)
}

// SignHMAC returns lowercase hex of HMAC-SHA256 for use in headers
func SignHMAC(secret string, data []byte) string {
	return fmt.Sprintf("%x", HMACSum(secret, data))
}

// VerifyHMAC checks an HMAC-SHA256 signature over the raw body using the shared secret.
func VerifyHMAC(secret string, data []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	return hmac.Equal(HMACSum(secret, data), b)
}

// SHA256Hex returns the lowercase hex SHA-256 digest of data.
func SHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
