// Package signature signs outbound webhook payloads and verifies them on the
// receiving side using HMAC-SHA256 over the exact request body bytes.
package signature

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Header is the request header carrying the hex-encoded signature.
const Header = "X-Webhook-Signature"

// maxBody caps how much of an incoming request VerifyRequest will read.
const maxBody = 1 << 20

var (
	// ErrMissingSignature is returned when the signature header is absent.
	ErrMissingSignature = errors.New("missing webhook signature")
	// ErrInvalidSignature is returned when the signature does not match the body.
	ErrInvalidSignature = errors.New("invalid webhook signature")
)

// Sign returns the lowercase hex HMAC-SHA256 of payload keyed by secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is the HMAC-SHA256 of payload under secret.
// The comparison is constant-time; malformed hex never matches.
func Verify(payload []byte, signature, secret string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), got)
}

// VerifyRequest reads the raw body of r and checks it against the signature
// header before anything parses it. On success the body is restored so later
// handlers can decode it, and the raw bytes are returned.
func VerifyRequest(r *http.Request, secret string) ([]byte, error) {
	sig := r.Header.Get(Header)
	if sig == "" {
		return nil, ErrMissingSignature
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(body))

	if !Verify(body, sig, secret) {
		return nil, ErrInvalidSignature
	}
	return body, nil
}
