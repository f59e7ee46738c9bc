// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package main

import (
	"context"

	"github.com/roseybot/rosey/internal/plugin"
	"github.com/roseybot/rosey/internal/store"
	"github.com/roseybot/rosey/pkg/bus"
)

// HostDeps holds injectable dependencies for the host command. Tests swap
// in fakes; production uses the defaults.
type HostDeps struct {
	// DialBus connects to the message bus. Defaults to bus.Dial.
	DialBus func(url string) (bus.Conn, error)

	// OpenStore migrates and opens the persistent plugin registry. The
	// returned func releases the connection. Defaults to openRegistry.
	OpenStore func(ctx context.Context, dsn string) (plugin.RecordStore, func(), error)
}

// openRegistry brings the schema up to date and opens the registry.
func openRegistry(ctx context.Context, dsn string) (plugin.RecordStore, func(), error) {
	mig, err := store.NewMigrator(dsn)
	if err != nil {
		return nil, nil, err
	}
	if err := mig.Up(); err != nil {
		_ = mig.Close()
		return nil, nil, err
	}
	if err := mig.Close(); err != nil {
		return nil, nil, err
	}

	reg, err := store.Open(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return reg, reg.Close, nil
}
