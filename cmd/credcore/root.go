// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package main

import (
	"errors"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/toletglobe/credcore/internal/config"
	"github.com/toletglobe/credcore/internal/logging"
)

const serviceName = "credcore"

// cli carries state shared by subcommands once the root has loaded it.
type cli struct {
	configPath string
	envFile    string

	cfg    *config.Config
	logger *slog.Logger
}

// NewRootCmd creates the root command for the credcore CLI.
func NewRootCmd() *cobra.Command {
	c := &cli{}

	cmd := &cobra.Command{
		Use:   "credcore",
		Short: "credcore - account credential and session lifecycle",
		Long: `credcore manages account credentials: registration, login, email
verification and password reset, backed by PostgreSQL.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file path (YAML)")
	flags.StringVar(&c.envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	config.RegisterFlags(flags)

	cmd.AddCommand(newMigrateCmd(c))
	cmd.AddCommand(newServeCmd(c))
	cmd.AddCommand(newPurgeTokensCmd(c))
	cmd.AddCommand(newConfigCmd(c))

	return cmd
}

// load reads the dotenv file, then the configuration, then installs the logger.
func (c *cli) load(cmd *cobra.Command) error {
	if c.envFile != "" {
		if err := godotenv.Load(c.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return oops.Code("CONFIG_LOAD_FAILED").With("env_file", c.envFile).Wrap(err)
		}
	}

	cfg, err := config.Load(config.LoadOptions{
		Path:  c.configPath,
		Flags: cmd.Flags(),
	})
	if err != nil {
		return err
	}
	c.cfg = cfg
	c.logger = logging.SetDefault(logging.Options{
		Service: serviceName,
		Version: version,
		Format:  cfg.Log.Format,
		Level:   cfg.Log.Level,
		Writer:  cmd.ErrOrStderr(),
	})
	return nil
}

// databaseURL returns the configured DSN or a CONFIG_INVALID error.
func (c *cli) databaseURL() (string, error) {
	if c.cfg == nil || c.cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			With("key", "database.url").
			Errorf("database URL is required (set %s or --database-url)", config.EnvDatabaseURL)
	}
	return c.cfg.Database.URL, nil
}
