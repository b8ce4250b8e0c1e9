// Package auth implements the request authorization pipeline: HMAC token
// verification, CIDR whitelist matching, session reuse, and the adaptive
// m3u8 access counter.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"
)

// Sign computes the access token for (uid, path, expires) under secret.
// The canonical encoding is unpadded base64url of the raw HMAC-SHA256.
func Sign(secret, uid, path string, expires int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(tokenMessage(uid, path, expires))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a presented token for (uid, path, expires).
// Both unpadded base64url and lowercase hex encodings are accepted; the
// comparison is constant-time on the raw MAC bytes. expires must be an
// integer strictly in the future.
func VerifyToken(secret, uid, path, expiresStr, token string) bool {
	if uid == "" || token == "" {
		return false
	}
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil || expires <= time.Now().Unix() {
		return false
	}

	presented, ok := decodeToken(token)
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(tokenMessage(uid, path, expires))
	return hmac.Equal(presented, mac.Sum(nil))
}

func tokenMessage(uid, path string, expires int64) []byte {
	msg := uid + ":" + path + ":" + strconv.FormatInt(expires, 10)
	return []byte(msg)
}

func decodeToken(token string) ([]byte, bool) {
	if raw, err := base64.RawURLEncoding.DecodeString(token); err == nil && len(raw) == sha256.Size {
		return raw, true
	}
	if raw, err := hex.DecodeString(token); err == nil && len(raw) == sha256.Size {
		return raw, true
	}
	return nil, false
}
