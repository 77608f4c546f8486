package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

const (
	// SignatureHeader carries the hex HMAC of an outgoing webhook body
	SignatureHeader = "X-Signature"
	// TimestampHeader carries the unix timestamp that was signed with the body
	TimestampHeader = "X-Signature-Timestamp"

	// MaxClockSkew is the tolerated difference between signer and verifier clocks
	MaxClockSkew = 5 * time.Minute
)

// WebhookSigner signs webhook payloads with HMAC-SHA256 so receivers can
// verify they came from this platform
type WebhookSigner struct {
	secret string
	now    func() time.Time
}

// NewWebhookSigner creates a signer with the shared secret
func NewWebhookSigner(secret string) *WebhookSigner {
	return &WebhookSigner{
		secret: secret,
		now:    time.Now,
	}
}

// Enabled reports whether a secret is configured
func (s *WebhookSigner) Enabled() bool {
	return s != nil && s.secret != ""
}

// Sign computes HMAC-SHA256(body + timestamp)
func (s *WebhookSigner) Sign(body []byte, timestamp int64) (string, error) {
	if s.secret == "" {
		return "", fmt.Errorf("webhook secret not set")
	}

	message := string(body) + strconv.FormatInt(timestamp, 10)

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignNow signs the body with the current time and returns both
func (s *WebhookSigner) SignNow(body []byte) (signature string, timestamp int64, err error) {
	timestamp = s.now().Unix()
	signature, err = s.Sign(body, timestamp)
	if err != nil {
		return "", 0, err
	}
	return signature, timestamp, nil
}

// Verify checks a signature with clock skew tolerance
func (s *WebhookSigner) Verify(body []byte, timestamp int64, signature string) error {
	if s.secret == "" {
		return fmt.Errorf("webhook secret not set")
	}

	if abs(s.now().Unix()-timestamp) > int64(MaxClockSkew/time.Second) {
		return fmt.Errorf("timestamp outside acceptable range")
	}

	expected, err := s.Sign(body, timestamp)
	if err != nil {
		return fmt.Errorf("failed to generate expected signature: %w", err)
	}

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return fmt.Errorf("signature validation failed")
	}

	return nil
}

// abs returns the absolute value of an int64
func abs(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}
