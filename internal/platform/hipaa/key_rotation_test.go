package hipaa

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/ehr/recordvault/pkg/apperr"
)

func TestRotatingEncryptor_VersionPrefix(t *testing.T) {
	re, err := NewRotatingEncryptor(generateTestKey(t), 3)
	if err != nil {
		t.Fatalf("create rotating encryptor: %v", err)
	}

	ct, err := re.Encrypt("Observation note")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v3:") {
		t.Errorf("expected v3: prefix, got %q", ct)
	}

	pt, err := re.Decrypt(ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if pt != "Observation note" {
		t.Errorf("got %q", pt)
	}
}

func TestRotatingEncryptor_PreviousKey(t *testing.T) {
	oldKey := generateTestKey(t)
	oldEnc, _ := NewRotatingEncryptor(oldKey, 1)
	oldCT, err := oldEnc.Encrypt("dosage: 10mg daily")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	newEnc, _ := NewRotatingEncryptor(generateTestKey(t), 2)
	if err := newEnc.AddPreviousKey(oldKey, 1); err != nil {
		t.Fatalf("add previous key: %v", err)
	}

	if !newEnc.NeedsReEncryption(oldCT) {
		t.Error("expected v1 ciphertext to need re-encryption")
	}

	reCT, err := newEnc.ReEncrypt(oldCT)
	if err != nil {
		t.Fatalf("re-encrypt: %v", err)
	}
	if !strings.HasPrefix(reCT, "v2:") {
		t.Errorf("expected v2: prefix after re-encrypt, got %q", reCT)
	}
	if newEnc.NeedsReEncryption(reCT) {
		t.Error("re-encrypted value should not need re-encryption")
	}

	pt, err := newEnc.Decrypt(reCT)
	if err != nil || pt != "dosage: 10mg daily" {
		t.Errorf("decrypt re-encrypted: %q, %v", pt, err)
	}
}

func TestRotatingEncryptor_RejectsUnversionedAndUnknown(t *testing.T) {
	re, _ := NewRotatingEncryptor(generateTestKey(t), 2)

	for _, ct := range []string{"v99:AAAA", "plain-base64", "vx:AAAA", "v0:AAAA"} {
		_, err := re.Decrypt(ct)
		if !errors.Is(err, apperr.ErrIntegrity) {
			t.Errorf("Decrypt(%q): expected integrity error, got %v", ct, err)
		}
	}
}

func TestRotatingEncryptor_AddPreviousKeyCurrentVersion(t *testing.T) {
	re, _ := NewRotatingEncryptor(generateTestKey(t), 2)
	if err := re.AddPreviousKey(generateTestKey(t), 2); err == nil {
		t.Error("expected error when registering a previous key under the current version")
	}
}

func TestRotatingEncryptor_Bytes(t *testing.T) {
	re, _ := NewRotatingEncryptor(generateTestKey(t), 1)
	data := []byte(`{"resourceType":"Bundle"}`)

	sealed, err := re.EncryptBytes(data)
	if err != nil {
		t.Fatalf("encrypt bytes: %v", err)
	}
	if !bytes.HasPrefix(sealed, []byte("v1:")) {
		t.Fatalf("expected version prefix on sealed bytes")
	}

	opened, err := re.DecryptBytes(sealed)
	if err != nil {
		t.Fatalf("decrypt bytes: %v", err)
	}
	if !bytes.Equal(opened, data) {
		t.Errorf("got %q", opened)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := re.DecryptBytes(sealed); !errors.Is(err, apperr.ErrIntegrity) {
		t.Errorf("expected integrity error for tampered envelope, got %v", err)
	}
}
