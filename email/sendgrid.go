package email

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

const (
	sendgridHost     = "https://api.sendgrid.com"
	sendgridEndpoint = "/v3/mail/send"
)

// SendGridProvider sends emails via the SendGrid v3 API.
type SendGridProvider struct {
	key    string
	host   string
	from   *sgmail.Email
	logger *slog.Logger
}

// NewSendGridProvider creates a new SendGrid email provider.
func NewSendGridProvider(key, fromAddr, fromName string, logger *slog.Logger) *SendGridProvider {
	return &SendGridProvider{
		key:    key,
		host:   sendgridHost,
		from:   sgmail.NewEmail(fromName, fromAddr),
		logger: logger,
	}
}

func (p *SendGridProvider) prepare(to, subject, htmlBody, textBody string) *sgmail.SGMailV3 {
	pers := sgmail.NewPersonalization()
	pers.Subject = subject
	pers.AddTos(sgmail.NewEmail("", to))

	m := sgmail.NewV3Mail()
	m.SetFrom(p.from)
	m.AddPersonalizations(pers)
	if textBody != "" {
		m.AddContent(sgmail.NewContent("text/plain", textBody))
	}
	m.AddContent(sgmail.NewContent("text/html", htmlBody))
	return m
}

// Send sends an email via SendGrid.
func (p *SendGridProvider) Send(ctx context.Context, to, subject, htmlBody, textBody string) error {
	body := sgmail.GetRequestBody(p.prepare(to, subject, htmlBody, textBody))

	return retry.Do(
		func() error {
			req := sendgrid.GetRequest(p.key, sendgridEndpoint, p.host)
			req.Method = http.MethodPost
			req.Body = body

			start := time.Now()
			res, err := sendgrid.API(req)
			if err != nil {
				p.logger.Warn("SendGrid API request failed, will retry",
					"to", to,
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return err
			}
			switch {
			case res.StatusCode >= 200 && res.StatusCode < 300:
			case res.StatusCode >= 400 && res.StatusCode < 500 && res.StatusCode != http.StatusTooManyRequests:
				return retry.Unrecoverable(fmt.Errorf("sendgrid rejected message: HTTP %d: %s", res.StatusCode, res.Body))
			default:
				return fmt.Errorf("HTTP %d", res.StatusCode)
			}

			p.logger.Info("SendGrid API request completed",
				"to", to,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Info("Retrying SendGrid email send after error", "attempt", n, "error", err)
		}),
	)
}
