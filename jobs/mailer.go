package jobs

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
)

// Mailer delivers plain-text transactional email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail through a plain SMTP relay (Mailpit in development).
type SMTPMailer struct {
	Addr string
	From string
}

// NewSMTPMailer constructs a mailer for the given host:port relay.
func NewSMTPMailer(host string, port int, from string) *SMTPMailer {
	return &SMTPMailer{Addr: fmt.Sprintf("%s:%d", host, port), From: from}
}

// Send delivers one message. The context is not honoured mid-dial because
// net/smtp has no context support; callers rely on Asynq timeouts instead.
func (m *SMTPMailer) Send(_ context.Context, to, subject, body string) error {
	msg := strings.Join([]string{
		"From: " + m.From,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if err := smtp.SendMail(m.Addr, nil, m.From, []string{to}, []byte(msg)); err != nil {
		return fmt.Errorf("jobs: smtp send: %w", err)
	}
	return nil
}
