// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package pluginsdk is the client library for Rosey plugins. A plugin is a
// standalone process: it connects to the message bus named by ROSEY_BUS_URL,
// subscribes to its command subject, and publishes results, errors, and
// events on the canonical subjects under rosey.plugin.<name>.
//
// Example usage:
//
//	func main() {
//		if err := pluginsdk.Run(context.Background(), pluginsdk.ServeConfig{
//			Plugin: &myPlugin{},
//		}); err != nil {
//			log.Fatal(err)
//		}
//	}
package pluginsdk

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"golang.org/x/time/rate"

	"github.com/roseybot/rosey/pkg/bus"
)

// Environment variables the supervisor sets for every plugin process.
const (
	EnvPluginName = "ROSEY_PLUGIN_NAME"
	EnvBusURL     = "ROSEY_BUS_URL"
	EnvDataDir    = "ROSEY_DATA_DIR"
)

// Default bounds for lifecycle hooks and event dispatch.
const (
	DefaultHookTimeout  = 10 * time.Second
	DefaultEventTimeout = 30 * time.Second
)

// Event is the JSON envelope carried on command and event subjects.
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Result acknowledges one handled command. Published on the plugin's result
// subject on success and on its error subject on failure.
type Result struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Plugin is the interface plugin authors implement.
type Plugin interface {
	// OnLoad runs once before the plugin receives any events.
	OnLoad(ctx context.Context) error

	// OnEvent handles one command and returns any events to publish.
	// Returning an error reports the command as failed; it does not stop
	// the serve loop.
	OnEvent(ctx context.Context, event Event) ([]Event, error)

	// OnUnload runs once during shutdown, after event delivery has stopped.
	OnUnload(ctx context.Context) error
}

// ServeConfig configures the serve loop.
type ServeConfig struct {
	// Plugin is the handler implementation. Required; Serve panics if nil.
	Plugin Plugin

	// Name is the plugin name. Defaults to ROSEY_PLUGIN_NAME.
	Name string

	// MaxMessagesPerSec rate-limits this plugin's publishes. Zero means
	// unlimited. Should match the manifest's limits.max-messages-per-sec.
	MaxMessagesPerSec float64

	// HookTimeout bounds OnLoad and OnUnload. Defaults to DefaultHookTimeout.
	HookTimeout time.Duration

	// EventTimeout bounds each OnEvent call. Defaults to DefaultEventTimeout.
	EventTimeout time.Duration
}

// Run dials the bus named by ROSEY_BUS_URL and serves until ctx is
// cancelled. This is the usual entry point for a plugin's main.
func Run(ctx context.Context, cfg ServeConfig) error {
	url := os.Getenv(EnvBusURL)
	if url == "" {
		return oops.Code("SDK_NO_BUS_URL").Errorf("%s is not set", EnvBusURL)
	}

	conn, err := bus.Dial(url)
	if err != nil {
		return oops.Wrapf(err, "dial bus")
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	return Serve(ctx, conn, cfg)
}

// Serve runs the plugin's event loop on an established connection: OnLoad,
// then command dispatch and ping replies until ctx is cancelled, then
// OnUnload. It blocks until shutdown completes.
func Serve(ctx context.Context, conn bus.Conn, cfg ServeConfig) error {
	if cfg.Plugin == nil {
		panic("pluginsdk: ServeConfig.Plugin is nil")
	}

	name := cfg.Name
	if name == "" {
		name = os.Getenv(EnvPluginName)
	}
	if name == "" {
		return oops.Code("SDK_NO_NAME").
			Errorf("plugin name not set and %s is empty", EnvPluginName)
	}

	s := &server{
		name:         name,
		conn:         conn,
		plugin:       cfg.Plugin,
		hookTimeout:  cfg.HookTimeout,
		eventTimeout: cfg.EventTimeout,
	}
	if s.hookTimeout <= 0 {
		s.hookTimeout = DefaultHookTimeout
	}
	if s.eventTimeout <= 0 {
		s.eventTimeout = DefaultEventTimeout
	}
	if cfg.MaxMessagesPerSec > 0 {
		burst := int(cfg.MaxMessagesPerSec)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxMessagesPerSec), burst)
	}

	return s.serve(ctx)
}

type server struct {
	name         string
	conn         bus.Conn
	plugin       Plugin
	limiter      *rate.Limiter
	hookTimeout  time.Duration
	eventTimeout time.Duration
}

func (s *server) serve(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, s.hookTimeout)
	err := s.plugin.OnLoad(loadCtx)
	cancel()
	if err != nil {
		return oops.Code("SDK_LOAD_FAILED").With("plugin", s.name).
			Wrapf(err, "OnLoad failed")
	}

	// Commands first, ping last: a successful ping means the plugin is
	// accepting commands, not just alive.
	cmdSub, err := s.conn.Subscribe(bus.CommandSubject(s.name), s.onCommand)
	if err != nil {
		return oops.Wrapf(err, "subscribe command subject")
	}
	defer cmdSub.Unsubscribe() //nolint:errcheck // best-effort cleanup

	pingSub, err := s.conn.Subscribe(bus.PingSubject(s.name), s.onPing)
	if err != nil {
		return oops.Wrapf(err, "subscribe ping subject")
	}
	defer pingSub.Unsubscribe() //nolint:errcheck // best-effort cleanup

	slog.Info("plugin serving", "plugin", s.name)
	<-ctx.Done()

	// Stop delivery before OnUnload so the hook never races an event.
	_ = pingSub.Unsubscribe()
	_ = cmdSub.Unsubscribe()

	unloadCtx, cancel := context.WithTimeout(context.Background(), s.hookTimeout)
	defer cancel()
	if err := s.plugin.OnUnload(unloadCtx); err != nil {
		return oops.Code("SDK_UNLOAD_FAILED").With("plugin", s.name).
			Wrapf(err, "OnUnload failed")
	}
	return nil
}

// onPing answers the supervisor's health probe. An unanswered ping is what
// the supervisor treats as a hang, so this must never call into the plugin.
func (s *server) onPing(ctx context.Context, msg *bus.Msg) {
	if msg.Reply == "" {
		return
	}
	if err := s.conn.Publish(ctx, msg.Reply, []byte("pong")); err != nil {
		slog.Warn("ping reply failed", "plugin", s.name, "error", err)
	}
}

func (s *server) onCommand(ctx context.Context, msg *bus.Msg) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		s.publishError(ctx, msg.ID.String(), oops.Wrapf(err, "malformed command"))
		return
	}
	if event.ID == "" {
		event.ID = msg.ID.String()
	}

	evCtx, cancel := context.WithTimeout(ctx, s.eventTimeout)
	defer cancel()

	emitted, err := s.plugin.OnEvent(evCtx, event)
	if err != nil {
		s.publishError(ctx, event.ID, err)
		return
	}

	for _, out := range emitted {
		if out.ID == "" {
			out.ID = ulid.Make().String()
		}
		data, err := json.Marshal(out)
		if err != nil {
			slog.Warn("emitted event not serializable",
				"plugin", s.name, "type", out.Type, "error", err)
			continue
		}
		s.publish(ctx, bus.EventSubject(s.name), data)
	}

	ack, _ := json.Marshal(Result{ID: event.ID, OK: true})
	s.publish(ctx, bus.ResultSubject(s.name), ack)
}

func (s *server) publishError(ctx context.Context, id string, cause error) {
	data, _ := json.Marshal(Result{ID: id, OK: false, Error: cause.Error()})
	s.publish(ctx, bus.ErrorSubject(s.name), data)
}

func (s *server) publish(ctx context.Context, subject string, data []byte) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			slog.Warn("publish aborted", "plugin", s.name, "subject", subject, "error", err)
			return
		}
	}
	if err := s.conn.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish failed", "plugin", s.name, "subject", subject, "error", err)
	}
}
