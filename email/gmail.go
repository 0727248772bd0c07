package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/google/uuid"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends as the account the Gmail service is authorised for.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{service: service, logger: logger}
}

// headerValue strips control characters, CR and LF included.
func headerValue(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return -1
		}
		return r
	}, s)
}

// buildMIME renders the raw message. Without a text body it is plain HTML,
// otherwise multipart/alternative with the text part first.
func buildMIME(to, subject, htmlBody, textBody, boundary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "MIME-Version: 1.0\r\nTo: %s\r\nSubject: %s\r\n", headerValue(to), headerValue(subject))
	if textBody == "" {
		b.WriteString("Content-Type: text/html; charset=utf-8\r\n\r\n" + htmlBody)
		return b.String()
	}
	fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
	for _, part := range []struct{ typ, body string }{{"text/plain", textBody}, {"text/html", htmlBody}} {
		fmt.Fprintf(&b, "--%s\r\nContent-Type: %s; charset=utf-8\r\n\r\n%s\r\n", boundary, part.typ, part.body)
	}
	fmt.Fprintf(&b, "--%s--\r\n", boundary)
	return b.String()
}

func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(to, subject, htmlBody, textBody, "digest-"+uuid.NewString()))),
	}
	return retry.Do(
		func() error {
			start := time.Now()
			if _, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do(); err != nil {
				return gmailError(err)
			}
			g.logger.Info("Digest delivered", "provider", "gmail", "to", to, "duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		sendRetryOptions(ctx, g.logger, "gmail")...,
	)
}

// gmailError marks API client errors as unrecoverable.
func gmailError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return statusError("gmail", apiErr.Code)
	}
	return fmt.Errorf("gmail send: %w", err)
}
