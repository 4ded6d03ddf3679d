package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValidationResult is the outcome of checking a notification's authenticity.
// Skipped is set when no secret is configured and the check was bypassed.
type ValidationResult struct {
	Valid   bool
	Skipped bool
	Err     error
}

// Verifier authenticates a notification before anything else looks at it.
type Verifier interface {
	Verify(n Notification) ValidationResult
}

// SignatureValidator checks MercadoPago's x-signature header: an HMAC-SHA256
// over "id:{id};request-id:{x-request-id};ts:{ts};" with the webhook secret.
type SignatureValidator struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

// Verify implements Verifier.
func (v SignatureValidator) Verify(n Notification) ValidationResult {
	return v.Validate(n.Header.Get("x-signature"), n.Header.Get("x-request-id"), n.ResourceID)
}

// Validate checks a signature header against the request id and notification id.
func (v SignatureValidator) Validate(signatureHeader, requestID, notificationID string) ValidationResult {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return ValidationResult{Valid: true, Skipped: true}
	}
	requestID = strings.TrimSpace(requestID)
	ts, provided := parseSignatureHeader(signatureHeader)
	if ts == "" || provided == "" || requestID == "" {
		return ValidationResult{Err: ErrSignatureMissing}
	}

	signedAt, err := parseSignatureTime(ts)
	if err != nil {
		return ValidationResult{Err: fmt.Errorf("%w: ts %q", ErrSignatureMissing, ts)}
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	if age := now().Sub(signedAt); age > tolerance || age < -tolerance {
		return ValidationResult{Err: ErrSignatureStale}
	}

	expected := signManifest(secret, manifest(notificationID, requestID, ts))
	got, err := hex.DecodeString(provided)
	if err != nil || !hmac.Equal(expected, got) {
		return ValidationResult{Err: ErrSignatureMismatch}
	}
	return ValidationResult{Valid: true}
}

// SignMercadoPago produces an x-signature header value for the given inputs.
func SignMercadoPago(secret, notificationID, requestID string, ts int64) string {
	tsRaw := strconv.FormatInt(ts, 10)
	mac := signManifest(secret, manifest(notificationID, requestID, tsRaw))
	return "ts=" + tsRaw + ",v1=" + hex.EncodeToString(mac)
}

func manifest(notificationID, requestID, ts string) string {
	return "id:" + strings.ToLower(strings.TrimSpace(notificationID)) + ";request-id:" + requestID + ";ts:" + ts + ";"
}

func signManifest(secret, m string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(m))
	return mac.Sum(nil)
}

// parseSignatureHeader reads "ts=...,v1=..." allowing ';' as separator and
// arbitrary whitespace.
func parseSignatureHeader(header string) (ts, v1 string) {
	fields := strings.FieldsFunc(header, func(r rune) bool { return r == ',' || r == ';' })
	for _, field := range fields {
		key, value, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.ToLower(strings.TrimSpace(value))
		}
	}
	return ts, v1
}

// parseSignatureTime accepts unix seconds or milliseconds.
func parseSignatureTime(ts string) (time.Time, error) {
	n, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	if n > 1_000_000_000_000 {
		return time.UnixMilli(n), nil
	}
	return time.Unix(n, 0), nil
}

// BodySignatureValidator checks a hex HMAC-SHA256 of the raw body carried in Header.
type BodySignatureValidator struct {
	Secret string
	Header string
}

// Verify implements Verifier.
func (v BodySignatureValidator) Verify(n Notification) ValidationResult {
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return ValidationResult{Valid: true, Skipped: true}
	}
	header := v.Header
	if header == "" {
		header = "x-callback-signature"
	}
	provided := strings.TrimSpace(n.Header.Get(header))
	if provided == "" {
		return ValidationResult{Err: ErrSignatureMissing}
	}
	got, err := hex.DecodeString(strings.ToLower(provided))
	if err != nil {
		return ValidationResult{Err: ErrSignatureMismatch}
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(n.Body)
	if !hmac.Equal(mac.Sum(nil), got) {
		return ValidationResult{Err: ErrSignatureMismatch}
	}
	return ValidationResult{Valid: true}
}

// SignBody produces the body signature BodySignatureValidator expects.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
