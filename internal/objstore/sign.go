// SPDX-License-Identifier: MIT

package objstore

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExpired reports a signed URL past its expiry.
	ErrExpired = errors.New("signed url expired")
	// ErrBadSignature reports a signature that does not match the key
	// and expiry.
	ErrBadSignature = errors.New("signature mismatch")
)

// Signer issues and verifies HMAC-signed object URLs. The URL grants
// access to exactly one key until the embedded expiry.
type Signer struct {
	baseURL string
	secret  []byte
}

// NewSigner builds a signer serving URLs under {baseURL}/objects/.
func NewSigner(baseURL, secret string) (*Signer, error) {
	if secret == "" {
		return nil, errors.New("signing secret is empty")
	}
	if baseURL == "" {
		return nil, errors.New("public base url is empty")
	}
	return &Signer{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		secret:  []byte(secret),
	}, nil
}

// URL signs key for reads until now+ttl.
func (s *Signer) URL(key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("sign %s: ttl must be positive", key)
	}
	expires := time.Now().Add(ttl).Unix()
	return fmt.Sprintf("%s/objects/%s?expires=%d&signature=%s",
		s.baseURL, key, expires, s.sign(key, expires)), nil
}

// Verify checks a presented expiry and signature for key.
func (s *Signer) Verify(key string, expires int64, signature string) error {
	if time.Now().Unix() > expires {
		return ErrExpired
	}
	expected := s.sign(key, expires)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (s *Signer) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
