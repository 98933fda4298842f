// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package mail renders and delivers token emails.
package mail

import (
	"context"
	"log/slog"
	"time"

	"github.com/samber/oops"
	"gopkg.in/gomail.v2"

	"github.com/toletglobe/credcore/internal/auth"
)

// SMTPConfig configures an SMTPMailer.
type SMTPConfig struct {
	Host        string
	Port        int
	Username    string
	Password    string
	FromName    string
	FromAddress string
	// Timeout bounds a single delivery when the caller's context has no deadline.
	Timeout time.Duration
}

// DefaultSendTimeout bounds a delivery when neither config nor context sets one.
const DefaultSendTimeout = 30 * time.Second

// dialer abstracts gomail.Dialer for testing.
type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

// SMTPMailer delivers email through an SMTP relay.
type SMTPMailer struct {
	dialer  dialer
	from    string
	name    string
	timeout time.Duration
	logger  *slog.Logger
}

// Compile-time interface check.
var _ auth.Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer creates an SMTPMailer. Port 465 uses implicit TLS; other ports
// upgrade with STARTTLS when the server offers it.
func NewSMTPMailer(cfg SMTPConfig, logger *slog.Logger) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "host").Errorf("smtp host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "port").With("port", cfg.Port).
			Errorf("smtp port out of range")
	}
	if cfg.FromAddress == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").With("field", "from_address").Errorf("sender address is required")
	}
	return newSMTPMailer(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg, logger), nil
}

func newSMTPMailer(d dialer, cfg SMTPConfig, logger *slog.Logger) *SMTPMailer {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	name := cfg.FromName
	if name == "" {
		name = DefaultAppName
	}
	return &SMTPMailer{dialer: d, from: cfg.FromAddress, name: name, timeout: timeout, logger: logger}
}

// Send delivers msg. It returns when the relay accepts the message or ctx ends,
// whichever comes first; an abandoned delivery keeps running in the background.
func (m *SMTPMailer) Send(ctx context.Context, msg auth.Email) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	gm := m.build(msg)
	done := make(chan error, 1)
	go func() {
		done <- m.dialer.DialAndSend(gm)
	}()

	select {
	case err := <-done:
		if err != nil {
			return oops.Code("MAIL_SEND_FAILED").With("subject", msg.Subject).Wrap(err)
		}
		m.logger.DebugContext(ctx, "email sent", "subject", msg.Subject)
		return nil
	case <-ctx.Done():
		return oops.Code("MAIL_SEND_CANCELED").With("subject", msg.Subject).Wrap(ctx.Err())
	}
}

func (m *SMTPMailer) build(msg auth.Email) *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetAddressHeader("From", m.from, m.name)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	switch {
	case msg.Text != "" && msg.HTML != "":
		gm.SetBody("text/plain", msg.Text)
		gm.AddAlternative("text/html", msg.HTML)
	case msg.HTML != "":
		gm.SetBody("text/html", msg.HTML)
	default:
		gm.SetBody("text/plain", msg.Text)
	}
	return gm
}
