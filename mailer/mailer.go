// Package mailer sends notification emails for the automation-request flow.
// Delivery is best effort: callers fire and forget, and failures are theirs
// to log, never to propagate to the client.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"strings"
)

// Mailer sends one HTML email.
type Mailer interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTP sends mail through a plain SMTP relay with optional AUTH.
type SMTP struct {
	addr string // host:port
	from string
	auth smtp.Auth
}

// NewSMTP builds an SMTP mailer. username may be empty for relays that
// accept unauthenticated submission.
func NewSMTP(host string, port int, username, password, from string) *SMTP {
	m := &SMTP{
		addr: fmt.Sprintf("%s:%d", host, port),
		from: from,
	}
	if username != "" {
		m.auth = smtp.PlainAuth("", username, password, host)
	}
	return m
}

// Send delivers one HTML email. The context is consulted before dialing;
// net/smtp itself has no cancellation hook.
func (m *SMTP) Send(ctx context.Context, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)

	if err := smtp.SendMail(m.addr, m.auth, m.from, []string{to}, []byte(b.String())); err != nil {
		return fmt.Errorf("mailer: send to %s: %w", to, err)
	}
	return nil
}

// Disabled is a no-op Mailer used when no SMTP relay is configured.
// It logs what would have been sent at debug level.
type Disabled struct{}

// Send discards the message.
func (Disabled) Send(_ context.Context, to, subject, _ string) error {
	slog.Debug("mailer disabled, dropping message", "to", to, "subject", subject)
	return nil
}
