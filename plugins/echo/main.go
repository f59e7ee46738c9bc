// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package main implements the echo example plugin. It answers every command
// with an event carrying the same payload back, prefixed with "echo: " when
// the payload is a plain message.
//
// Build:
//
//	go build -o plugins/echo/echo ./plugins/echo
//
// The supervisor starts the binary with ROSEY_PLUGIN_NAME, ROSEY_BUS_URL,
// and ROSEY_DATA_DIR set; everything else comes from the SDK.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/roseybot/rosey/pkg/pluginsdk"

	_ "github.com/roseybot/rosey/pkg/bus/membus" // mem:// for single-process runs
)

type message struct {
	Message string `json:"message"`
}

type echoPlugin struct{}

func (echoPlugin) OnLoad(context.Context) error {
	slog.Info("echo plugin loaded")
	return nil
}

func (echoPlugin) OnEvent(_ context.Context, event pluginsdk.Event) ([]pluginsdk.Event, error) {
	var in message
	if err := json.Unmarshal(event.Payload, &in); err != nil || in.Message == "" {
		// Not a message payload; bounce it back untouched.
		return []pluginsdk.Event{{Type: "echo", Payload: event.Payload}}, nil
	}

	out, err := json.Marshal(message{Message: "echo: " + in.Message})
	if err != nil {
		return nil, err
	}
	return []pluginsdk.Event{{Type: "echo", Payload: out}}, nil
}

func (echoPlugin) OnUnload(context.Context) error {
	slog.Info("echo plugin unloaded")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pluginsdk.Run(ctx, pluginsdk.ServeConfig{Plugin: echoPlugin{}}); err != nil {
		slog.Error("echo plugin failed", "error", err)
		os.Exit(1)
	}
}
