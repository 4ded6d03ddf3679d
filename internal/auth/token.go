// Package auth verifies operator bearer tokens for the admin API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

var (
	// ErrNoToken is returned when a request carries no bearer token.
	ErrNoToken = errors.New("auth: token missing")
	// ErrNotConfigured is returned when no signing secret is set.
	ErrNotConfigured = errors.New("auth: admin tokens not configured")
)

// Tokens issues and verifies HS256 operator tokens.
type Tokens struct {
	Secret    []byte
	Issuer    string
	Audience  string
	ClockSkew time.Duration
	Now       func() time.Time
}

func (t Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Issue signs a token for subject valid for ttl. Used by ledgerctl to mint
// short-lived operator credentials.
func (t Tokens) Issue(subject string, ttl time.Duration) (string, error) {
	if len(t.Secret) == 0 {
		return "", ErrNotConfigured
	}
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("auth: subject required")
	}
	now := t.now()
	builder := jwt.NewBuilder().
		Subject(subject).
		IssuedAt(now).
		NotBefore(now.Add(-t.ClockSkew)).
		Expiration(now.Add(ttl))
	if t.Issuer != "" {
		builder = builder.Issuer(t.Issuer)
	}
	if t.Audience != "" {
		builder = builder.Audience([]string{t.Audience})
	}
	tok, err := builder.Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, t.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Verify checks signature, algorithm, issuer, audience and expiry and
// returns the token subject.
func (t Tokens) Verify(raw string) (string, error) {
	if len(t.Secret) == 0 {
		return "", ErrNotConfigured
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrNoToken
	}
	alg, err := tokenAlgorithm(raw)
	if err != nil {
		return "", err
	}
	if alg != jwa.HS256 {
		return "", fmt.Errorf("auth: unexpected token algorithm %s", alg)
	}
	parsed, err := jwt.ParseString(raw, jwt.WithKey(jwa.HS256, t.Secret), jwt.WithValidate(false))
	if err != nil {
		return "", err
	}

	opts := []jwt.ValidateOption{
		jwt.WithClock(jwt.ClockFunc(t.now)),
	}
	if t.ClockSkew > 0 {
		opts = append(opts, jwt.WithAcceptableSkew(t.ClockSkew))
	}
	if t.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.Issuer))
	}
	if t.Audience != "" {
		opts = append(opts, jwt.WithAudience(t.Audience))
	}
	if err := jwt.Validate(parsed, opts...); err != nil {
		return "", err
	}
	if parsed.Subject() == "" {
		return "", errors.New("auth: token without subject")
	}
	return parsed.Subject(), nil
}

// tokenAlgorithm reads the protected header so "none" and mixed algorithms
// are refused before any key is applied.
func tokenAlgorithm(raw string) (jwa.SignatureAlgorithm, error) {
	msg, err := jws.ParseString(raw)
	if err != nil {
		return "", err
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", errors.New("auth: token contains no signatures")
	}
	var alg jwa.SignatureAlgorithm
	for _, sig := range sigs {
		h := sig.ProtectedHeaders()
		if h == nil || h.Algorithm() == "" {
			return "", errors.New("auth: token missing algorithm")
		}
		if h.Algorithm() == jwa.NoSignature {
			return "", errors.New("auth: token uses none algorithm")
		}
		if alg != "" && alg != h.Algorithm() {
			return "", errors.New("auth: mixed token algorithms detected")
		}
		alg = h.Algorithm()
	}
	return alg, nil
}
