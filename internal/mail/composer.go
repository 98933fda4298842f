// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package mail

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/samber/oops"

	"github.com/toletglobe/credcore/internal/auth"
)

// DefaultAppName is used in subjects and bodies when none is configured.
const DefaultAppName = "To-Let Globe"

// Link paths appended to the configured base URL, followed by the token.
const (
	VerifyPath = "/verify-email/"
	ResetPath  = "/reset-password/"
)

// ComposerConfig configures a Composer.
type ComposerConfig struct {
	// LinkBaseURL is the absolute URL of the front end that handles token links.
	LinkBaseURL string
	// AppName appears in subjects and greetings.
	AppName string
	// Now is the time source for "valid for" wording. Defaults to time.Now.
	Now func() time.Time
}

type messageTemplate struct {
	subject string
	path    string
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// Composer renders verification and reset messages.
type Composer struct {
	base      string
	appName   string
	now       func() time.Time
	templates map[auth.TokenPurpose]messageTemplate
}

// Compile-time interface check.
var _ auth.Composer = (*Composer)(nil)

type templateData struct {
	AppName   string
	Username  string
	Link      string
	ExpiresAt string
	ExpiresIn string
}

// NewComposer parses the message templates and validates the link base URL.
func NewComposer(cfg ComposerConfig) (*Composer, error) {
	u, err := url.Parse(cfg.LinkBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, oops.Code("MAIL_CONFIG_INVALID").
			With("link_base_url", cfg.LinkBaseURL).
			Errorf("link base URL must be an absolute URL")
	}
	appName := cfg.AppName
	if appName == "" {
		appName = DefaultAppName
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	c := &Composer{
		base:      strings.TrimRight(cfg.LinkBaseURL, "/"),
		appName:   appName,
		now:       cfg.Now,
		templates: make(map[auth.TokenPurpose]messageTemplate, 2),
	}
	c.templates[auth.PurposeEmailVerification] = messageTemplate{
		subject: "Verify your email address",
		path:    VerifyPath,
		html:    htmltemplate.Must(htmltemplate.New("verify.html").Parse(verifyHTML)),
		text:    texttemplate.Must(texttemplate.New("verify.txt").Parse(verifyText)),
	}
	c.templates[auth.PurposePasswordReset] = messageTemplate{
		subject: "Reset your password",
		path:    ResetPath,
		html:    htmltemplate.Must(htmltemplate.New("reset.html").Parse(resetHTML)),
		text:    texttemplate.Must(texttemplate.New("reset.txt").Parse(resetText)),
	}
	return c, nil
}

// Link returns the front-end URL carrying token for purpose.
func (c *Composer) Link(purpose auth.TokenPurpose, token string) string {
	return c.base + c.templates[purpose].path + url.PathEscape(token)
}

// Compose renders the message delivering token to account.
func (c *Composer) Compose(purpose auth.TokenPurpose, account auth.PublicAccount, token string, expiresAt time.Time) (auth.Email, error) {
	tmpl, ok := c.templates[purpose]
	if !ok {
		return auth.Email{}, oops.Code("MAIL_UNKNOWN_PURPOSE").
			With("purpose", string(purpose)).
			Errorf("no template for token purpose %q", purpose)
	}

	data := templateData{
		AppName:   c.appName,
		Username:  account.Username,
		Link:      c.Link(purpose, token),
		ExpiresAt: expiresAt.UTC().Format(time.RFC1123),
		ExpiresIn: humanDuration(expiresAt.Sub(c.now())),
	}

	var html, text bytes.Buffer
	if err := tmpl.html.Execute(&html, data); err != nil {
		return auth.Email{}, oops.Code("MAIL_RENDER_FAILED").With("purpose", string(purpose)).With("part", "html").Wrap(err)
	}
	if err := tmpl.text.Execute(&text, data); err != nil {
		return auth.Email{}, oops.Code("MAIL_RENDER_FAILED").With("purpose", string(purpose)).With("part", "text").Wrap(err)
	}

	return auth.Email{
		To:      account.Email,
		Subject: c.appName + ": " + tmpl.subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func humanDuration(d time.Duration) string {
	switch {
	case d <= time.Minute:
		return "1 minute"
	case d < time.Hour:
		return fmt.Sprintf("%d minutes", int(d.Round(time.Minute)/time.Minute))
	case d < 2*time.Hour:
		return "1 hour"
	default:
		return fmt.Sprintf("%d hours", int(d.Round(time.Hour)/time.Hour))
	}
}

const verifyHTML = `<p>Hello {{.Username}},</p>
<p>Thanks for signing up to {{.AppName}}. Please confirm your email address by clicking the link below.</p>
<p><a href="{{.Link}}">Verify my email</a></p>
<p>This link expires at {{.ExpiresAt}}. Only the most recent link we sent you works. If you did not create an account, you can ignore this message.</p>
`

const verifyText = `Hello {{.Username}},

Thanks for signing up to {{.AppName}}. Confirm your email address by opening this link:

{{.Link}}

This link expires at {{.ExpiresAt}}. Only the most recent link we sent you works.
If you did not create an account, you can ignore this message.
`

const resetHTML = `<p>Hello {{.Username}},</p>
<p>We received a request to reset your {{.AppName}} password.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p>This link is valid for about {{.ExpiresIn}} and can be used once. Only the most recent link we sent you works. If you did not ask for a reset, you can ignore this message.</p>
`

const resetText = `Hello {{.Username}},

We received a request to reset your {{.AppName}} password. Choose a new one here:

{{.Link}}

This link is valid for about {{.ExpiresIn}} and can be used once. Only the most recent link we sent you works.
If you did not ask for a reset, you can ignore this message.
`
