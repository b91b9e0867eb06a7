// Package crypto creates and verifies the signed capability tokens that
// grant time-limited read access to private objects.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// separator joins the path and expiry in the signed message. NUL can never
// appear in a validated path, so no two (path, expiry) pairs collide.
const separator = 0x00

// ErrEmptySecret is returned by NewSigner when no secret is configured.
var ErrEmptySecret = errors.New("crypto: signing secret is empty")

// Signer signs and verifies capability tokens. It is safe for concurrent use.
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner derives the signing key from secret.
func NewSigner(secret string) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &Signer{key: DeriveSigningKey(secret), now: time.Now}, nil
}

// Sign returns the hex signature for relativePath and the absolute expiry in
// milliseconds since the epoch. The signer does not check that the path
// exists.
func (s *Signer) Sign(relativePath string, ttl time.Duration) (signature string, expiresAt int64) {
	expiresAt = s.now().UnixMilli() + ttl.Milliseconds()
	return hex.EncodeToString(s.mac(relativePath, expiresAt)), expiresAt
}

// Verify reports whether signature is valid for relativePath and expiresAt
// and the token has not expired. Expired tokens are rejected before any MAC
// is computed. Malformed or wrong-length signatures take the same comparison
// path as a mismatch.
func (s *Signer) Verify(signature string, expiresAt int64, relativePath string) bool {
	if s.now().UnixMilli() > expiresAt {
		return false
	}
	expected := s.mac(relativePath, expiresAt)

	valid := 1
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) != len(expected) {
		got = make([]byte, len(expected))
		valid = 0
	}
	return subtle.ConstantTimeCompare(got, expected)&valid == 1
}

func (s *Signer) mac(relativePath string, expiresAt int64) []byte {
	msg := make([]byte, 0, len(relativePath)+1+20)
	msg = append(msg, relativePath...)
	msg = append(msg, separator)
	msg = strconv.AppendInt(msg, expiresAt, 10)

	h := hmac.New(sha256.New, s.key)
	h.Write(msg)
	return h.Sum(nil)
}
