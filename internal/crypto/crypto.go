// Package crypto provides field-level encryption for sensitive row fields.
// Uses AES-256-GCM for authenticated encryption with a rotating keyring.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// fieldTag marks an encrypted field value. The full encoding is
// enc:gcm1:<b64 nonce>:<b64 tag>:<b64 ciphertext>.
const fieldTag = "enc:gcm1"

const (
	nonceSize = 12 // 96-bit nonce
	tagSize   = 16 // 128-bit auth tag
)

var (
	// ErrInvalidCiphertext is returned when a tagged field cannot be parsed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
	// ErrNoKeys is returned when a keyring has no usable keys.
	ErrNoKeys = errors.New("keyring is empty")
)

// Keyring is an ordered list of symmetric keys. The first key is the
// primary used for encryption; all keys are tried for decryption so old
// data survives key rotation.
type Keyring struct {
	keys [][32]byte
}

// NewKeyring derives a keyring from raw key material, one entry per input.
// Each input is stretched to 32 bytes with SHA-256.
func NewKeyring(material ...[]byte) (*Keyring, error) {
	if len(material) == 0 {
		return nil, ErrNoKeys
	}
	r := &Keyring{}
	for _, m := range material {
		if len(m) == 0 {
			return nil, ErrNoKeys
		}
		r.keys = append(r.keys, sha256.Sum256(m))
	}
	return r, nil
}

// ParseKeyring builds a keyring from hex-encoded key strings, primary first.
func ParseKeyring(hexKeys []string) (*Keyring, error) {
	var material [][]byte
	for _, h := range hexKeys {
		b, err := hex.DecodeString(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %w", err)
		}
		material = append(material, b)
	}
	return NewKeyring(material...)
}

// Len returns the number of keys in the ring.
func (r *Keyring) Len() int {
	return len(r.keys)
}

// IsEncrypted reports whether a field value carries the encryption tag.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, fieldTag+":")
}

// EncryptField encrypts a field value under the ring's primary key. Values
// already carrying the tag are returned unchanged to avoid double
// encryption.
func (r *Keyring) EncryptField(value string) (string, error) {
	if IsEncrypted(value) {
		return value, nil
	}
	if len(r.keys) == 0 {
		return "", ErrNoKeys
	}

	block, err := aes.NewCipher(r.keys[0][:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(value), nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		fieldTag,
		enc.EncodeToString(nonce),
		enc.EncodeToString(tag),
		enc.EncodeToString(ciphertext),
	}, ":"), nil
}

// DecryptField decrypts a tagged field value, trying every key in ring
// order. Untagged values and values no key can open are returned unchanged;
// the bool result reports whether decryption happened.
func (r *Keyring) DecryptField(value string) (string, bool) {
	if !IsEncrypted(value) {
		return value, false
	}
	nonce, tag, ciphertext, err := splitField(value)
	if err != nil {
		return value, false
	}

	sealed := append(append([]byte{}, ciphertext...), tag...)
	for _, key := range r.keys {
		block, err := aes.NewCipher(key[:])
		if err != nil {
			continue
		}
		gcm, err := cipher.NewGCMWithNonceSize(block, nonceSize)
		if err != nil {
			continue
		}
		plaintext, err := gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			continue
		}
		return string(plaintext), true
	}
	return value, false
}

func splitField(value string) (nonce, tag, ciphertext []byte, err error) {
	parts := strings.Split(value, ":")
	// enc, gcm1, nonce, tag, ciphertext
	if len(parts) != 5 {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	enc := base64.StdEncoding
	nonce, err = enc.DecodeString(parts[2])
	if err != nil || len(nonce) != nonceSize {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	tag, err = enc.DecodeString(parts[3])
	if err != nil || len(tag) != tagSize {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	ciphertext, err = enc.DecodeString(parts[4])
	if err != nil {
		return nil, nil, nil, ErrInvalidCiphertext
	}
	return nonce, tag, ciphertext, nil
}
