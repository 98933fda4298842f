// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package mail

import (
	"context"
	"log/slog"

	"github.com/toletglobe/credcore/internal/auth"
)

// LogMailer records deliveries in the log instead of sending them. Bodies are
// never logged because they carry plaintext tokens.
type LogMailer struct {
	logger *slog.Logger
}

// Compile-time interface check.
var _ auth.Mailer = (*LogMailer)(nil)

// NewLogMailer creates a LogMailer.
func NewLogMailer(logger *slog.Logger) *LogMailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMailer{logger: logger}
}

// Send logs the recipient and subject.
func (m *LogMailer) Send(ctx context.Context, msg auth.Email) error {
	if err := ctx.Err(); err != nil {
		return err //nolint:wrapcheck // context errors pass through
	}
	m.logger.InfoContext(ctx, "email delivery skipped, smtp not configured",
		"to", msg.To,
		"subject", msg.Subject,
		"html_bytes", len(msg.HTML),
		"text_bytes", len(msg.Text))
	return nil
}
