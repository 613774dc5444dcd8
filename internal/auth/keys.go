// Package auth handles the worker's orchestrator credentials.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// fingerprintLen is the number of hex characters kept by Fingerprint.
const fingerprintLen = 12

// HashKey returns a SHA-256 hash of the key.
func HashKey(key string) string {
	key = strings.TrimSpace(key)

	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// Fingerprint identifies a token in logs without revealing it.
// An empty token yields an empty fingerprint.
func Fingerprint(token string) string {
	if strings.TrimSpace(token) == "" {
		return ""
	}
	return HashKey(token)[:fingerprintLen]
}

// BearerHeader returns the Authorization header value for token.
func BearerHeader(token string) string {
	return "Bearer " + strings.TrimSpace(token)
}
