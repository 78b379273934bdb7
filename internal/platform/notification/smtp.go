package notification

import (
	"context"
	"crypto/tls"
	"fmt"

	"gopkg.in/gomail.v2"
)

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host   string
	Port   int
	User   string
	Pass   string
	Secure bool // implicit TLS (port 465); otherwise STARTTLS when offered
	From   string
}

// SMTPSender relays email through an SMTP server.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
}

// NewSMTPSender builds a sender. From falls back to the SMTP user.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Pass)
	d.SSL = cfg.Secure
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}

	from := cfg.From
	if from == "" {
		from = cfg.User
	}
	return &SMTPSender{dialer: d, from: from}
}

func (s *SMTPSender) SendEmail(ctx context.Context, msg Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", msg.To)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Text)
	if msg.HTML != "" {
		m.AddAlternative("text/html", msg.HTML)
	}

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}
