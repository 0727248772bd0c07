package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const brevoEndpoint = "https://api.brevo.com/v3/smtp/email"

// BrevoProvider delivers through Brevo's transactional email API.
type BrevoProvider struct {
	apiKey   string
	fromAddr string
	fromName string
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		apiKey:   apiKey,
		fromAddr: fromAddr,
		fromName: fromName,
		endpoint: brevoEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	To      []brevoContact `json:"to"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	Text    string         `json:"textContent,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Send posts one message. Client errors other than 429 fail immediately.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  brevoContact{Email: b.fromAddr, Name: b.fromName},
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
		Text:    textBody,
	})
	if err != nil {
		return fmt.Errorf("encode brevo message: %w", err)
	}

	return retry.Do(
		func() error { return b.post(ctx, to, payload) },
		sendRetryOptions(ctx, b.logger, "brevo")...,
	)
}

func (b *BrevoProvider) post(ctx context.Context, to string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("build brevo request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", b.apiKey)

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			b.logger.Debug("Closing brevo response failed", "error", err)
		}
	}()

	if err := statusError("brevo", resp.StatusCode); err != nil {
		return err
	}
	b.logger.Info("Digest delivered", "provider", "brevo", "to", to, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// statusError maps an HTTP status to nil, a retryable error, or an
// unrecoverable one for client errors the server will keep rejecting.
func statusError(provider string, code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code >= 400 && code < 500 && code != http.StatusTooManyRequests:
		return retry.Unrecoverable(fmt.Errorf("%s rejected message: HTTP %d", provider, code))
	default:
		return fmt.Errorf("%s: HTTP %d", provider, code)
	}
}

func sendRetryOptions(ctx context.Context, logger *slog.Logger, provider string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Send failed, retrying", "provider", provider, "attempt", n+1, "error", err)
		}),
	}
}
