package delivery

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/gomail.v2"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPSender mails the artifact as an attachment to address recipients.
type SMTPSender struct {
	cfg  SMTPConfig
	send func(m *gomail.Message) error
}

// NewSMTPSender returns nil when no host is configured.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		cfg.From = cfg.Username
	}
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	return &SMTPSender{cfg: cfg, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}
}

func (s *SMTPSender) Channel() string { return "email" }

func (s *SMTPSender) Accepts(recipient string) bool {
	return strings.Contains(recipient, "@") && !strings.Contains(recipient, ":")
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.cfg.From)
	m.SetHeader("To", msg.Recipient)
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)
	if msg.Artifact.Path != "" {
		name := msg.Artifact.Name
		if name == "" {
			name = fmt.Sprintf("%s-v%d", msg.ReportID, msg.Version)
		}
		m.Attach(msg.Artifact.Path, gomail.Rename(name))
	}

	// gomail has no context support; the dial runs until its own timeout.
	done := make(chan error, 1)
	go func() { done <- s.send(m) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
