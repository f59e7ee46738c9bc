// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

//go:build integration

package store_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/roseybot/rosey/internal/plugin"
	"github.com/roseybot/rosey/internal/store"
)

// setupPostgresContainer starts a PostgreSQL container, runs migrations,
// and opens a registry against it.
func setupPostgresContainer() (*store.Registry, func(), error) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("rosey_test"),
		postgres.WithUsername("rosey"),
		postgres.WithPassword("rosey"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(connStr)
	if err != nil {
		return nil, nil, err
	}
	if err := migrator.Up(); err != nil {
		return nil, nil, err
	}
	_ = migrator.Close()

	reg, err := store.Open(ctx, connStr)
	if err != nil {
		return nil, nil, err
	}

	cleanup := func() {
		reg.Close()
		_ = container.Terminate(ctx)
	}
	return reg, cleanup, nil
}

var _ = Describe("Registry", Ordered, func() {
	var (
		reg     *store.Registry
		cleanup func()
		ctx     = context.Background()
	)

	BeforeAll(func() {
		var err error
		reg, cleanup, err = setupPostgresContainer()
		Expect(err).NotTo(HaveOccurred())
	})

	AfterAll(func() {
		if cleanup != nil {
			cleanup()
		}
	})

	It("upserts and reads back a record", func() {
		rec := plugin.AdminRecord{
			Name:         "echo",
			Version:      "1.0.0",
			Enabled:      true,
			CrashCount:   1,
			RestartCount: 2,
			Successes:    10,
			Errors:       3,
		}
		Expect(reg.UpsertPlugin(ctx, rec)).To(Succeed())

		got, err := reg.GetPlugin(ctx, "echo")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(rec))
	})

	It("updates on conflict instead of duplicating", func() {
		rec := plugin.AdminRecord{Name: "echo", Version: "1.1.0", Enabled: false}
		Expect(reg.UpsertPlugin(ctx, rec)).To(Succeed())

		recs, err := reg.ListPlugins(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).To(HaveLen(1))
		Expect(recs[0].Version).To(Equal("1.1.0"))
		Expect(recs[0].Enabled).To(BeFalse())
	})

	It("flips the enabled flag", func() {
		Expect(reg.SetEnabled(ctx, "echo", true)).To(Succeed())

		got, err := reg.GetPlugin(ctx, "echo")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Enabled).To(BeTrue())
	})

	It("lists records ordered by name", func() {
		Expect(reg.UpsertPlugin(ctx, plugin.AdminRecord{Name: "alpha", Version: "0.1.0", Enabled: true})).To(Succeed())

		recs, err := reg.ListPlugins(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(recs).To(HaveLen(2))
		Expect(recs[0].Name).To(Equal("alpha"))
		Expect(recs[1].Name).To(Equal("echo"))
	})

	It("deletes records idempotently", func() {
		Expect(reg.DeletePlugin(ctx, "alpha")).To(Succeed())
		Expect(reg.DeletePlugin(ctx, "alpha")).To(Succeed())

		_, err := reg.GetPlugin(ctx, "alpha")
		Expect(err).To(HaveOccurred())
	})
})
