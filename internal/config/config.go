// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

// Package config loads credcore settings from defaults, a YAML file, the
// environment and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/toletglobe/credcore/internal/auth"
	"github.com/toletglobe/credcore/internal/session"
)

// Environment variables read during Load.
const (
	EnvDatabaseURL   = "DATABASE_URL"
	EnvSessionSecret = "CREDCORE_SESSION_SECRET"
	EnvSMTPPassword  = "CREDCORE_SMTP_PASSWORD"
)

// Mail transports.
const (
	TransportSMTP = "smtp"
	TransportLog  = "log"
)

const redacted = "[REDACTED]"

// Config is the complete runtime configuration.
type Config struct {
	Log           LogConfig           `koanf:"log" yaml:"log"`
	Database      DatabaseConfig      `koanf:"database" yaml:"database"`
	Auth          AuthConfig          `koanf:"auth" yaml:"auth"`
	Session       SessionConfig       `koanf:"session" yaml:"session"`
	Mail          MailConfig          `koanf:"mail" yaml:"mail"`
	Observability ObservabilityConfig `koanf:"observability" yaml:"observability"`
	Janitor       JanitorConfig       `koanf:"janitor" yaml:"janitor"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `koanf:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" yaml:"format" validate:"oneof=json text"`
}

// DatabaseConfig locates PostgreSQL.
type DatabaseConfig struct {
	URL             string `koanf:"url" yaml:"url"`
	MaxConns        int32  `koanf:"max_conns" yaml:"max_conns" validate:"gte=0"`
	ConnectAttempts uint64 `koanf:"connect_attempts" yaml:"connect_attempts" validate:"gte=1"`
}

// AuthConfig holds the lifecycle policy and hashing settings.
type AuthConfig struct {
	Hasher                 string        `koanf:"hasher" yaml:"hasher" validate:"oneof=bcrypt argon2id"`
	BcryptCost             int           `koanf:"bcrypt_cost" yaml:"bcrypt_cost" validate:"gte=4,lte=31"`
	HashConcurrency        int           `koanf:"hash_concurrency" yaml:"hash_concurrency" validate:"gte=1"`
	VerificationTTL        time.Duration `koanf:"verification_ttl" yaml:"verification_ttl" validate:"gt=0"`
	ResetTTL               time.Duration `koanf:"reset_ttl" yaml:"reset_ttl" validate:"gt=0"`
	RequireVerifiedToLogin bool          `koanf:"require_verified_to_login" yaml:"require_verified_to_login"`
	IssueSessionOnRegister bool          `koanf:"issue_session_on_register" yaml:"issue_session_on_register"`
	IssueSessionOnReset    bool          `koanf:"issue_session_on_reset" yaml:"issue_session_on_reset"`
}

// SessionConfig configures bearer credentials.
type SessionConfig struct {
	Secret string        `koanf:"secret" yaml:"secret" validate:"omitempty,min=32"`
	TTL    time.Duration `koanf:"ttl" yaml:"ttl" validate:"gt=0"`
	Issuer string        `koanf:"issuer" yaml:"issuer" validate:"required"`
}

// MailConfig configures token email.
type MailConfig struct {
	Transport   string     `koanf:"transport" yaml:"transport" validate:"oneof=smtp log"`
	LinkBaseURL string     `koanf:"link_base_url" yaml:"link_base_url" validate:"required,url"`
	AppName     string     `koanf:"app_name" yaml:"app_name"`
	SMTP        SMTPConfig `koanf:"smtp" yaml:"smtp"`
}

// SMTPConfig locates the SMTP relay.
type SMTPConfig struct {
	Host        string        `koanf:"host" yaml:"host"`
	Port        int           `koanf:"port" yaml:"port" validate:"gte=1,lte=65535"`
	Username    string        `koanf:"username" yaml:"username"`
	Password    string        `koanf:"password" yaml:"password"`
	FromName    string        `koanf:"from_name" yaml:"from_name"`
	FromAddress string        `koanf:"from_address" yaml:"from_address" validate:"omitempty,email"`
	Timeout     time.Duration `koanf:"timeout" yaml:"timeout" validate:"gte=0"`
}

// ObservabilityConfig configures the metrics and health endpoint.
type ObservabilityConfig struct {
	// Addr is the listen address; empty disables the server.
	Addr string `koanf:"addr" yaml:"addr" validate:"omitempty,hostname_port"`
}

// JanitorConfig configures the expired-token purge loop.
type JanitorConfig struct {
	Interval time.Duration `koanf:"interval" yaml:"interval" validate:"gt=0"`
	Timeout  time.Duration `koanf:"timeout" yaml:"timeout" validate:"gt=0"`
}

// Defaults returns the built-in configuration.
func Defaults() map[string]any {
	return map[string]any{
		"log.level":                      "info",
		"log.format":                     "json",
		"database.url":                   "",
		"database.max_conns":             0,
		"database.connect_attempts":      5,
		"auth.hasher":                    "bcrypt",
		"auth.bcrypt_cost":               auth.DefaultBcryptCost,
		"auth.hash_concurrency":          4,
		"auth.verification_ttl":          auth.DefaultVerificationTTL.String(),
		"auth.reset_ttl":                 auth.DefaultResetTTL.String(),
		"auth.require_verified_to_login": false,
		"auth.issue_session_on_register": false,
		"auth.issue_session_on_reset":    false,
		"session.secret":                 "",
		"session.ttl":                    session.DefaultTTL.String(),
		"session.issuer":                 session.DefaultIssuer,
		"mail.transport":                 TransportLog,
		"mail.link_base_url":             "http://localhost:5173",
		"mail.app_name":                  "To-Let Globe",
		"mail.smtp.host":                 "",
		"mail.smtp.port":                 587,
		"mail.smtp.username":             "",
		"mail.smtp.password":             "",
		"mail.smtp.from_name":            "To-Let Globe",
		"mail.smtp.from_address":         "",
		"mail.smtp.timeout":              "30s",
		"observability.addr":             "127.0.0.1:9100",
		"janitor.interval":               "1h",
		"janitor.timeout":                "1m",
	}
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":    "log.level",
	"log-format":   "log.format",
	"database-url": "database.url",
	"metrics-addr": "observability.addr",
}

// RegisterFlags adds the flags Load understands to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json, text)")
	fs.String("database-url", "", "PostgreSQL connection URL (overrides "+EnvDatabaseURL+")")
	fs.String("metrics-addr", "127.0.0.1:9100", "metrics and health listen address (empty disables)")
}

// LoadOptions are the inputs to Load.
type LoadOptions struct {
	// Path to a YAML file. Empty skips the file layer.
	Path string
	// Flags registered with RegisterFlags. Only changed flags override.
	Flags *pflag.FlagSet
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration and validates it.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")
	for key, value := range Defaults() {
		if err := k.Set(key, value); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("key", key).Wrap(err)
		}
	}

	if opts.Path != "" {
		data, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", opts.Path).Wrap(err)
		}
		if err := ValidateDocument(data); err != nil {
			return nil, oops.With("path", opts.Path).Wrap(err)
		}
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", opts.Path).Wrap(err)
		}
	}

	lookup := opts.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for env, key := range map[string]string{
		EnvDatabaseURL:   "database.url",
		EnvSessionSecret: "session.secret",
		EnvSMTPPassword:  "mail.smtp.password",
	} {
		if v, ok := lookup(env); ok && v != "" {
			if err := k.Set(key, v); err != nil {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("env", env).Wrap(err)
			}
		}
	}

	if opts.Flags != nil {
		provider := posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").With("source", "flags").Wrap(err)
		}
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").With("operation", "unmarshal").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("koanf"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks every field constraint and reports the first violation.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		if c.Mail.Transport == TransportSMTP && c.Mail.SMTP.Host == "" {
			return invalid("mail.smtp.host", "required")
		}
		if c.Mail.Transport == TransportSMTP && c.Mail.SMTP.FromAddress == "" {
			return invalid("mail.smtp.from_address", "required")
		}
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return invalid(keyFor(verrs[0].Namespace()), verrs[0].Tag())
	}
	return oops.Code("CONFIG_INVALID").Wrap(err)
}

func invalid(key, rule string) error {
	return oops.Code("CONFIG_INVALID").
		With("key", key).
		With("rule", rule).
		Errorf("invalid configuration value for %s (%s)", key, rule)
}

// keyFor turns a validator namespace such as Config.mail.smtp.from_address
// into the koanf key mail.smtp.from_address.
func keyFor(namespace string) string {
	_, key, found := strings.Cut(namespace, ".")
	if !found {
		return namespace
	}
	return key
}

// Policy converts the auth settings to a lifecycle policy.
func (c *Config) Policy() auth.Policy {
	return auth.Policy{
		RequireVerifiedToLogin: c.Auth.RequireVerifiedToLogin,
		IssueSessionOnRegister: c.Auth.IssueSessionOnRegister,
		IssueSessionOnReset:    c.Auth.IssueSessionOnReset,
		VerificationTTL:        c.Auth.VerificationTTL,
		ResetTTL:               c.Auth.ResetTTL,
	}
}

// Redacted returns a copy safe to print: secrets are masked and the database
// URL loses its password.
func (c *Config) Redacted() Config {
	out := *c
	if out.Session.Secret != "" {
		out.Session.Secret = redacted
	}
	if out.Mail.SMTP.Password != "" {
		out.Mail.SMTP.Password = redacted
	}
	out.Database.URL = redactURL(out.Database.URL)
	return out
}

func redactURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return redacted
	}
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
	}
	q := u.Query()
	if q.Has("password") {
		q.Set("password", "xxxxx")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
