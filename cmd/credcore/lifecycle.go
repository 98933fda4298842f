// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package main

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/toletglobe/credcore/internal/auth"
	"github.com/toletglobe/credcore/internal/config"
	"github.com/toletglobe/credcore/internal/mail"
	"github.com/toletglobe/credcore/internal/session"
)

// buildLifecycle wires the auth service over store from configuration.
// reg may be nil, leaving metrics unregistered.
func buildLifecycle(cfg *config.Config, store auth.CredentialStore, reg prometheus.Registerer, logger *slog.Logger) (*auth.Service, error) {
	if cfg.Session.Secret == "" {
		return nil, oops.Code("CONFIG_INVALID").
			With("key", "session.secret").
			Errorf("session secret is required (set %s)", config.EnvSessionSecret)
	}

	hasher, err := auth.NewPasswordHasher(auth.HasherConfig{
		Algorithm:  cfg.Auth.Hasher,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		return nil, err
	}

	sessions, err := session.NewIssuer([]byte(cfg.Session.Secret),
		session.WithTTL(cfg.Session.TTL),
		session.WithIssuerName(cfg.Session.Issuer))
	if err != nil {
		return nil, err
	}

	composer, err := mail.NewComposer(mail.ComposerConfig{
		LinkBaseURL: cfg.Mail.LinkBaseURL,
		AppName:     cfg.Mail.AppName,
	})
	if err != nil {
		return nil, err
	}

	mailer, err := buildMailer(cfg.Mail, logger)
	if err != nil {
		return nil, err
	}

	return auth.NewService(auth.Deps{
		Store:    store,
		Hasher:   hasher,
		Tokens:   auth.NewTokenGenerator(),
		Sessions: sessions,
		Mailer:   mailer,
		Composer: composer,
	},
		auth.WithPolicy(cfg.Policy()),
		auth.WithLogger(logger),
		auth.WithHashConcurrency(cfg.Auth.HashConcurrency),
		auth.WithMetrics(auth.NewMetrics(reg)),
	)
}

func buildMailer(cfg config.MailConfig, logger *slog.Logger) (auth.Mailer, error) {
	if cfg.Transport != config.TransportSMTP {
		logger.Warn("smtp transport not configured; token emails are logged, not sent")
		return mail.NewLogMailer(logger), nil
	}
	return mail.NewSMTPMailer(mail.SMTPConfig{
		Host:        cfg.SMTP.Host,
		Port:        cfg.SMTP.Port,
		Username:    cfg.SMTP.Username,
		Password:    cfg.SMTP.Password,
		FromName:    cfg.SMTP.FromName,
		FromAddress: cfg.SMTP.FromAddress,
		Timeout:     cfg.SMTP.Timeout,
	}, logger)
}
