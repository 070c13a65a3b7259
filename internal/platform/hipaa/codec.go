package hipaa

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// Codec is the process-wide PHI codec: versioned field encryption, whole
// envelope sealing and salted blind indices. It performs no I/O.
type Codec struct {
	enc  *RotatingEncryptor
	salt []byte
}

// NewCodec wraps an encryptor and a blind-index salt.
func NewCodec(enc *RotatingEncryptor, salt []byte) (*Codec, error) {
	if enc == nil {
		return nil, fmt.Errorf("codec: encryptor is required")
	}
	if len(salt) < 16 {
		return nil, fmt.Errorf("codec: blind index salt must be at least 16 bytes, got %d", len(salt))
	}
	return &Codec{enc: enc, salt: salt}, nil
}

// KeyMaterial is the hex-encoded key configuration loaded at startup.
type KeyMaterial struct {
	CurrentKey     string
	CurrentVersion int
	// PreviousKeys is a comma separated "version:hexkey" list.
	PreviousKeys string
	Salt         string
}

// NewCodecFromKeys decodes key material and builds a Codec.
func NewCodecFromKeys(km KeyMaterial, logger zerolog.Logger) (*Codec, error) {
	key, err := decodeKey("PHI_ENCRYPTION_KEY", km.CurrentKey)
	if err != nil {
		return nil, err
	}
	enc, err := NewRotatingEncryptor(key, km.CurrentVersion)
	if err != nil {
		return nil, err
	}

	if km.PreviousKeys != "" {
		for _, pair := range strings.Split(km.PreviousKeys, ",") {
			verStr, hexKey, ok := strings.Cut(strings.TrimSpace(pair), ":")
			if !ok {
				return nil, fmt.Errorf("PHI_PREVIOUS_KEYS: entry %q is not version:key", pair)
			}
			ver, err := strconv.Atoi(verStr)
			if err != nil {
				return nil, fmt.Errorf("PHI_PREVIOUS_KEYS: invalid version %q: %w", verStr, err)
			}
			prev, err := decodeKey("PHI_PREVIOUS_KEYS", hexKey)
			if err != nil {
				return nil, err
			}
			if err := enc.AddPreviousKey(prev, ver); err != nil {
				return nil, err
			}
		}
	}

	salt, err := hex.DecodeString(km.Salt)
	if err != nil {
		return nil, fmt.Errorf("BLIND_INDEX_SALT is not valid hex: %w", err)
	}

	codec, err := NewCodec(enc, salt)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("key_version", km.CurrentVersion).Msg("PHI field-level encryption enabled")
	return codec, nil
}

func decodeKey(name, s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", name, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%s must be 32 bytes (64 hex chars), got %d bytes", name, len(b))
	}
	return b, nil
}

// Encrypt encrypts a single PHI value with the current key.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	return c.enc.Encrypt(plaintext)
}

// Decrypt decrypts a single PHI value. Failures are integrity errors.
func (c *Codec) Decrypt(ciphertext string) (string, error) {
	return c.enc.Decrypt(ciphertext)
}

// Seal encrypts an opaque byte envelope.
func (c *Codec) Seal(data []byte) ([]byte, error) {
	return c.enc.EncryptBytes(data)
}

// Open reverses Seal.
func (c *Codec) Open(data []byte) ([]byte, error) {
	return c.enc.DecryptBytes(data)
}

// BlindIndex returns the salted equality token for value.
func (c *Codec) BlindIndex(value string) string {
	return BlindIndex(value, c.salt)
}

// EmailIndex is BlindIndex over the normalized email address.
func (c *Codec) EmailIndex(email string) string {
	return BlindIndex(NormalizeEmail(email), c.salt)
}

// EncryptResource encrypts every configured PHI field of a decoded FHIR
// resource in place.
func (c *Codec) EncryptResource(resourceType string, body map[string]interface{}) error {
	return c.transformResource(resourceType, body, c.enc.Encrypt)
}

// DecryptResource reverses EncryptResource. On failure body may be partly
// decrypted and must be discarded.
func (c *Codec) DecryptResource(resourceType string, body map[string]interface{}) error {
	return c.transformResource(resourceType, body, c.enc.Decrypt)
}

// RotateResource re-encrypts under the current key every PHI field that was
// written with an older key version. Fields already on the current key are
// left untouched.
func (c *Codec) RotateResource(resourceType string, body map[string]interface{}) error {
	return c.transformResource(resourceType, body, func(v string) (string, error) {
		if !c.enc.NeedsReEncryption(v) {
			return v, nil
		}
		return c.enc.ReEncrypt(v)
	})
}

// KeyVersion is the version new ciphertexts are written with.
func (c *Codec) KeyVersion() int {
	return c.enc.CurrentVersion()
}

func (c *Codec) transformResource(resourceType string, body map[string]interface{}, fn func(string) (string, error)) error {
	for _, segs := range fieldsFor(resourceType) {
		if _, err := transformPath(body, segs, fn); err != nil {
			return fmt.Errorf("%s.%s: %w", resourceType, strings.Join(segs, "."), err)
		}
	}
	return nil
}
