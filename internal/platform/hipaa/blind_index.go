package hipaa

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// BlindIndexLen is the length of every token returned by BlindIndex.
const BlindIndexLen = sha256.Size * 2

// BlindIndex derives a deterministic, non-reversible token for equality
// lookups: HMAC-SHA256 keyed by salt, hex encoded. The token is only ever
// compared, never decoded.
func BlindIndex(value string, salt []byte) string {
	mac := hmac.New(sha256.New, salt)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// NormalizeEmail folds an address to the form used for blind indexing, so
// "Jane@Example.org " and "jane@example.org" resolve to the same token.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
