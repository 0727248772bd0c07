package email

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrMockRejected is returned by MockProvider for addresses set with Reject.
var ErrMockRejected = errors.New("mock provider rejected recipient")

// Message is a delivered message as seen by MockProvider.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// MockProvider logs messages instead of sending them, for local development
// and tests.
type MockProvider struct {
	logger   *slog.Logger
	mu       sync.Mutex
	sent     []Message
	rejected map[string]bool
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger:   logger,
		rejected: make(map[string]bool),
	}
}

// Reject makes every later send to addr fail.
func (m *MockProvider) Reject(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected[addr] = true
}

// Sent returns a copy of the accepted messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Send records the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody, textBody string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejected[to] {
		m.logger.Warn("MOCK EMAIL rejected", "to", to, "subject", subject)
		return ErrMockRejected
	}
	m.sent = append(m.sent, Message{To: to, Subject: subject, HTML: htmlBody, Text: textBody})
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	return nil
}
