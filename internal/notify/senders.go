package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"telemetry-hub/internal/auth"
	"telemetry-hub/internal/types"
)

// Channel names used in notification preferences
const (
	ChannelEmail   = "email"
	ChannelSMS     = "sms"
	ChannelWebhook = "webhook"
	ChannelLog     = "log"
)

// Sender delivers a message to one recipient. Email and SMS gateways are
// provided by the deployment and registered under their channel name.
type Sender interface {
	Send(ctx context.Context, recipient types.Recipient, msg *Message) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, recipient types.Recipient, msg *Message) error

// Send calls f
func (f SenderFunc) Send(ctx context.Context, recipient types.Recipient, msg *Message) error {
	return f(ctx, recipient, msg)
}

// LogSender writes messages to the log. Useful in development.
type LogSender struct {
	logger *logrus.Logger
}

// NewLogSender creates a new log sender
func NewLogSender(logger *logrus.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message
func (s *LogSender) Send(ctx context.Context, recipient types.Recipient, msg *Message) error {
	s.logger.WithFields(logrus.Fields{
		"recipient":   recipient.Address,
		"tenant_id":   msg.TenantID,
		"alert_count": len(msg.Alerts),
	}).Info(msg.Subject + "\n" + msg.Body)
	return nil
}

// WebhookSender posts messages as JSON to the recipient address
type WebhookSender struct {
	logger     *logrus.Logger
	httpClient *http.Client
	signer     *auth.WebhookSigner
	attempts   int
	retryDelay time.Duration
}

// NewWebhookSender creates a webhook sender. A nil or empty signer sends unsigned requests.
func NewWebhookSender(logger *logrus.Logger, timeout time.Duration, signer *auth.WebhookSigner) *WebhookSender {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSender{
		logger:     logger,
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
		attempts:   3,
		retryDelay: 2 * time.Second,
	}
}

// Send posts the message, retrying server errors
func (s *WebhookSender) Send(ctx context.Context, recipient types.Recipient, msg *Message) error {
	jsonData, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * s.retryDelay):
			}
		}

		retry, err := s.post(ctx, recipient.Address, jsonData)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			break
		}

		s.logger.WithError(err).WithFields(logrus.Fields{
			"recipient": recipient.Address,
			"attempt":   attempt + 1,
		}).Warn("Webhook delivery failed, retrying")
	}

	return lastErr
}

// post sends one request and reports whether a failure is worth retrying
func (s *WebhookSender) post(ctx context.Context, url string, body []byte) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if s.signer.Enabled() {
		signature, timestamp, err := s.signer.SignNow(body)
		if err != nil {
			return false, fmt.Errorf("failed to sign request: %w", err)
		}
		req.Header.Set(auth.SignatureHeader, signature)
		req.Header.Set(auth.TimestampHeader, strconv.FormatInt(timestamp, 10))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return true, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return false, nil
	}

	var errorBody bytes.Buffer
	errorBody.ReadFrom(resp.Body)
	err = fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, errorBody.String())

	// client errors are not retried
	return resp.StatusCode >= 500, err
}
