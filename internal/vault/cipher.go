package vault

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the XChaCha20-Poly1305 key size.
	KeySize = chacha20poly1305.KeySize
	// VersionPrefix is the prefix for encrypted data: ENC[v1]:base64(nonce+ciphertext)
	VersionPrefix = "ENC[v%d]:"
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrUnknownKeyVersion = errors.New("ciphertext produced under an unknown key version")
	ErrDecryptionFailed  = errors.New("decryption failed")
)

// argon2id parameters for passphrase-derived keys.
var kdfSalt = []byte("custody-bot/vault/kdf/v1")

const (
	kdfTime    = 2
	kdfMemory  = 19 * 1024
	kdfThreads = 1
)

// DeriveKey turns a configured secret into a 32-byte key. A base64 string
// of exactly 32 bytes is used as-is; anything else is treated as a
// passphrase and stretched with argon2id.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrInvalidKey
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == KeySize {
		return raw, nil
	}
	return argon2.IDKey([]byte(secret), kdfSalt, kdfTime, kdfMemory, kdfThreads, KeySize), nil
}

// Keyring holds every key version the vault can still decrypt and encrypts
// with the current one.
type Keyring struct {
	current int
	keys    map[int][]byte
}

// NewKeyring creates a keyring whose current key is secret at version.
func NewKeyring(version int, secret string) (*Keyring, error) {
	k := &Keyring{keys: make(map[int][]byte)}
	if err := k.Add(version, secret); err != nil {
		return nil, err
	}
	k.current = version
	return k, nil
}

// Add registers a decrypt-only key version.
func (k *Keyring) Add(version int, secret string) error {
	if version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrInvalidKey)
	}
	key, err := DeriveKey(secret)
	if err != nil {
		return err
	}
	k.keys[version] = key
	return nil
}

// Promote makes version the current encryption key.
func (k *Keyring) Promote(version int) error {
	if _, ok := k.keys[version]; !ok {
		return fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	k.current = version
	return nil
}

func (k *Keyring) Current() int {
	return k.current
}

// Encrypt seals plaintext under the current key.
func (k *Keyring) Encrypt(plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(k.keys[k.current])
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return fmt.Sprintf(VersionPrefix, k.current) + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt under any registered version.
func (k *Keyring) Decrypt(ciphertext string) ([]byte, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return nil, ErrInvalidCiphertext
	}
	key, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext[strings.Index(ciphertext, "]:")+2:])
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrInvalidCiphertext, err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(data) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := aead.Open(nil, data[:aead.NonceSize()], data[aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// ParseVersion extracts the version number from an encrypted string.
// Returns 0 if the format is invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") || !strings.Contains(ciphertext, "]:") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil || version < 1 {
		return 0
	}
	return version
}
