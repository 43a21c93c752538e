package object

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Signer mints and verifies signed media URLs. The signature is
// HMAC-SHA256 over "userId|filename|expires" with the shared JWT secret,
// so no per-URL state is kept.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer sharing the gateway's JWT secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the hex signature for a media URL expiring at the given
// epoch-milliseconds timestamp.
func (s *Signer) Sign(userID, filename string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%s|%d", userID, filename, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignedQuery returns the "expires=...&sig=..." query string for a media URL
// valid for ttl from now.
func (s *Signer) SignedQuery(userID, filename string, ttl time.Duration) string {
	expires := time.Now().Add(ttl).UnixMilli()
	return fmt.Sprintf("expires=%d&sig=%s", expires, s.Sign(userID, filename, expires))
}

// Verify checks a signature and its expiry.
func (s *Signer) Verify(userID, filename, expiresStr, sig string) bool {
	expires, err := strconv.ParseInt(expiresStr, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().UnixMilli() > expires {
		return false
	}

	expected := s.Sign(userID, filename, expires)
	return hmac.Equal([]byte(expected), []byte(sig))
}
