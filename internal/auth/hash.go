package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// UAHash returns the first 8 hex chars of SHA-256 of the User-Agent.
func UAHash(userAgent string) string {
	sum := sha256.Sum256([]byte(userAgent))
	return hex.EncodeToString(sum[:])[:8]
}

// PathHash returns the first 16 hex chars of SHA-256 of the URL path.
// Used to fingerprint playlist URLs in counter keys.
func PathHash(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])[:16]
}
