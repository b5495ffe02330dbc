// Package signing issues and validates time-limited HMAC tokens that grant
// read access to a single attachment.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

const (
	// DefaultTTL applies when a caller asks for a non-positive lifetime.
	DefaultTTL = 5 * time.Minute
	// MaxTTL caps every issued token.
	MaxTTL = 7 * 24 * time.Hour
)

// Token is a signature plus the unix second it stops being valid.
type Token struct {
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

// URL is the attachment link under base carrying the token as exp and token
// query parameters.
func (t Token) URL(base, id string) string {
	q := url.Values{}
	q.Set("token", t.Token)
	q.Set("exp", strconv.FormatInt(t.Exp, 10))
	return base + "/attachments/" + url.PathEscape(id) + "?" + q.Encode()
}

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret     []byte
	defaultTTL time.Duration
	now        func() time.Time
}

// Option customizes a Signer.
type Option func(*Signer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// WithDefaultTTL sets the lifetime used when Issue receives ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		if ttl > 0 {
			s.defaultTTL = min(ttl, MaxTTL)
		}
	}
}

// NewSigner creates a Signer. An empty secret yields a Signer that refuses
// every token.
func NewSigner(secret []byte, opts ...Option) *Signer {
	s := &Signer{
		secret:     append([]byte(nil), secret...),
		defaultTTL: DefaultTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enabled reports whether the signer holds a secret.
func (s *Signer) Enabled() bool { return len(s.secret) > 0 }

// Issue signs id for ttl, clamped to MaxTTL.
func (s *Signer) Issue(id string, ttl time.Duration) Token {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	ttl = min(ttl, MaxTTL)
	exp := s.now().Add(ttl).Unix()
	return Token{Token: s.Sign(id, exp), Exp: exp}
}

// Sign returns the hex signature for id and expiry.
func (s *Signer) Sign(id string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s:%d", id, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate reports whether token authorizes id until exp and exp is still in
// the future. It fails closed: no secret, a malformed token or any error
// yields false.
func (s *Signer) Validate(id, token string, exp int64) bool {
	if !s.Enabled() || id == "" || token == "" {
		return false
	}
	if exp <= s.now().Unix() {
		return false
	}
	// Compare the canonical lower-case hex so case variants never validate.
	return hmac.Equal([]byte(s.Sign(id, exp)), []byte(token))
}

// ValidateQuery is Validate with the expiry still in its query string form.
func (s *Signer) ValidateQuery(id, token, exp string) bool {
	n, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return false
	}
	return s.Validate(id, token, n)
}
