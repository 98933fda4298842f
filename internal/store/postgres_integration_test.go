// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 CredCore Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/toletglobe/credcore/internal/store"
)

// startPostgres starts a PostgreSQL container and returns its connection string.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("credcore_test"),
		postgres.WithUsername("credcore"),
		postgres.WithPassword("credcore"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return "", nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, err
	}

	return connStr, func() { _ = container.Terminate(ctx) }, nil
}

var _ = Describe("Connect", func() {
	var (
		ctx     context.Context
		connStr string
		cleanup func()
		pool    *pgxpool.Pool
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		if pool != nil {
			pool.Close()
		}
		cleanup()
	})

	It("opens a pool that reports ready", func() {
		var err error
		pool, err = store.Connect(ctx, connStr, store.ConnectOptions{MaxConns: 4})
		Expect(err).NotTo(HaveOccurred())
		Expect(pool.Config().MaxConns).To(Equal(int32(4)))
		Expect(store.Readiness(pool, time.Second)()).To(BeTrue())
	})

	It("applies the schema so the accounts table exists", func() {
		migrator, err := store.NewMigrator(connStr)
		Expect(err).NotTo(HaveOccurred())
		Expect(migrator.Up()).To(Succeed())
		Expect(migrator.Close()).To(Succeed())

		pool, err = store.Connect(ctx, connStr, store.ConnectOptions{})
		Expect(err).NotTo(HaveOccurred())

		var exists bool
		err = pool.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM information_schema.tables WHERE table_name = 'accounts')`).Scan(&exists)
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())
	})
})
