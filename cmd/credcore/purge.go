// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

package main

import (
	"github.com/spf13/cobra"

	"github.com/toletglobe/credcore/internal/auth/postgres"
	"github.com/toletglobe/credcore/internal/janitor"
	"github.com/toletglobe/credcore/internal/store"
)

func newPurgeTokensCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "purge-tokens",
		Short: "Clear expired verification and reset tokens once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := c.databaseURL()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := store.Connect(ctx, url, store.ConnectOptions{
				MaxConns: c.cfg.Database.MaxConns,
				Attempts: c.cfg.Database.ConnectAttempts,
			})
			if err != nil {
				return err
			}
			defer pool.Close()

			svc, err := buildLifecycle(c.cfg, postgres.NewAccountRepository(pool), nil, c.logger)
			if err != nil {
				return err
			}
			worker, err := janitor.New(janitor.Config{Timeout: c.cfg.Janitor.Timeout}, svc, nil, c.logger)
			if err != nil {
				return err
			}

			n, err := worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("Purged %d expired token(s)\n", n)
			return nil
		},
	}
}
