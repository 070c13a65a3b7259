package hipaa

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ehr/recordvault/pkg/apperr"
)

// KeyVersion prefix format: "v{version}:" prepended to ciphertext
const keyVersionPrefix = "v"
const keyVersionSeparator = ":"

// RotatingEncryptor supports encryption key rotation with versioned keys.
// New ciphertext always uses the current key; previous keys are decrypt-only.
type RotatingEncryptor struct {
	mu         sync.RWMutex
	current    *PHIEncryptor
	currentVer int
	previous   map[int]*PHIEncryptor
}

// NewRotatingEncryptor creates a new rotating encryptor with the current key.
func NewRotatingEncryptor(currentKey []byte, currentVersion int) (*RotatingEncryptor, error) {
	if currentVersion <= 0 {
		return nil, fmt.Errorf("rotating encryptor: key version must be positive, got %d", currentVersion)
	}
	enc, err := NewPHIEncryptor(currentKey)
	if err != nil {
		return nil, fmt.Errorf("rotating encryptor: current key: %w", err)
	}
	return &RotatingEncryptor{
		current:    enc,
		currentVer: currentVersion,
		previous:   make(map[int]*PHIEncryptor),
	}, nil
}

// AddPreviousKey adds a previous encryption key for decryption.
func (r *RotatingEncryptor) AddPreviousKey(key []byte, version int) error {
	enc, err := NewPHIEncryptor(key)
	if err != nil {
		return fmt.Errorf("rotating encryptor: previous key v%d: %w", version, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if version == r.currentVer {
		return fmt.Errorf("rotating encryptor: v%d is the current key version", version)
	}
	r.previous[version] = enc
	return nil
}

// Encrypt encrypts with the current key and prepends the version prefix.
func (r *RotatingEncryptor) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ciphertext, err := r.current.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator + ciphertext, nil
}

// Decrypt detects the key version and decrypts with the appropriate key.
// Unversioned input is rejected.
func (r *RotatingEncryptor) Decrypt(ciphertext string) (string, error) {
	enc, data, err := r.keyFor(ciphertext)
	if err != nil {
		return "", err
	}
	return enc.Decrypt(data)
}

// EncryptBytes seals data with the current key. The output carries the same
// "v{n}:" prefix as string ciphertext, followed by raw nonce+ciphertext bytes.
func (r *RotatingEncryptor) EncryptBytes(data []byte) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sealed, err := r.current.EncryptBytes(data)
	if err != nil {
		return nil, err
	}
	prefix := keyVersionPrefix + strconv.Itoa(r.currentVer) + keyVersionSeparator
	return append([]byte(prefix), sealed...), nil
}

// DecryptBytes opens data produced by EncryptBytes.
func (r *RotatingEncryptor) DecryptBytes(data []byte) ([]byte, error) {
	idx := strings.Index(string(data[:min(len(data), 16)]), keyVersionSeparator)
	if idx < 0 {
		return nil, apperr.New(apperr.KindIntegrity, "phi decrypt", "missing key version")
	}
	enc, _, err := r.keyFor(string(data[:idx+1]))
	if err != nil {
		return nil, err
	}
	return enc.DecryptBytes(data[idx+1:])
}

func (r *RotatingEncryptor) keyFor(ciphertext string) (*PHIEncryptor, string, error) {
	version, data, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindIntegrity, "phi decrypt", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if version == r.currentVer {
		return r.current, data, nil
	}
	enc, ok := r.previous[version]
	if !ok {
		return nil, "", apperr.Newf(apperr.KindIntegrity, "phi decrypt", "no key available for version %d", version)
	}
	return enc, data, nil
}

// NeedsReEncryption checks if a ciphertext uses an old key version.
func (r *RotatingEncryptor) NeedsReEncryption(ciphertext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	version, _, err := parseVersionedCiphertext(ciphertext)
	if err != nil {
		return true
	}
	return version != r.currentVer
}

// ReEncrypt decrypts with the old key and re-encrypts with the current key.
func (r *RotatingEncryptor) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("re-encrypt: decrypt: %w", err)
	}
	return r.Encrypt(plaintext)
}

// CurrentVersion returns the current key version.
func (r *RotatingEncryptor) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

func parseVersionedCiphertext(s string) (int, string, error) {
	if !strings.HasPrefix(s, keyVersionPrefix) {
		return 0, "", fmt.Errorf("no version prefix")
	}

	idx := strings.Index(s, keyVersionSeparator)
	if idx < 0 {
		return 0, "", fmt.Errorf("no version separator")
	}

	version, err := strconv.Atoi(s[len(keyVersionPrefix):idx])
	if err != nil || version <= 0 {
		return 0, "", fmt.Errorf("invalid version %q", s[len(keyVersionPrefix):idx])
	}

	return version, s[idx+1:], nil
}
