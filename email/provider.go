// Package email renders and delivers notification digests.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"lms-notifier/pkg/notifier"
)

// Provider delivers one message. A non-nil error means the message was not
// accepted for delivery.
type Provider interface {
	Send(ctx context.Context, to, subject, htmlBody, textBody string) error
}

// Translator resolves digest strings for one locale.
type Translator interface {
	Locale() string
	T(key string, params ...string) string
}

// Translation keys used by the digest template.
const (
	KeySubject = "digest.subject"
	KeyHeading = "digest.heading"
	KeyIntro   = "digest.intro"
	KeyView    = "digest.view"
	KeyManage  = "digest.manage"
	KeyFooter  = "digest.footer"
	KeyBy      = "digest.by"
)

// ErrNoAddress is returned for identities without an email address.
var ErrNoAddress = errors.New("identity has no email address")

// Sender renders digests and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
	baseURL  string // for links in emails
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger, baseURL string) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
		baseURL:  baseURL,
	}
}

// SendDigest sends one digest containing items to identity. An empty item
// list sends nothing.
func (s *Sender) SendDigest(ctx context.Context, identity *notifier.Identity, items []*notifier.SubscriptionItem, tr Translator) error {
	if len(items) == 0 {
		return nil
	}
	if identity.Email == "" {
		return fmt.Errorf("%s: %w", identity.Name, ErrNoAddress)
	}

	subject := tr.T(KeySubject, fmt.Sprint(len(items)))
	html := s.formatDigestBody(identity, items, tr)
	text, err := plainText(html)
	if err != nil {
		s.logger.Warn("Failed to derive plain text body, sending HTML only", "identity", identity.Name, "error", err)
		text = ""
	}

	s.logger.Info("Sending digest email",
		"identity", identity.Name,
		"to", identity.Email,
		"locale", tr.Locale(),
		"item_count", len(items))

	if err := s.provider.Send(ctx, identity.Email, subject, html, text); err != nil {
		return fmt.Errorf("send digest to %s: %w", identity.Name, err)
	}
	return nil
}
