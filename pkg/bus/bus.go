// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package bus defines the message-bus contract the supervisor and plugins
// speak over. The transport itself is external: implementations register a
// URL scheme with Register and are selected by Dial, the same way
// database/sql drivers are.
//
// Subjects are dot-separated token paths ("rosey.plugin.echo.cmd").
// Subscription patterns may contain wildcards, matched with '.' as the
// segment separator:
//   - '*' matches exactly one token
//   - '**' matches zero or more tokens
package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
)

// Msg is a single message on the bus.
type Msg struct {
	ID      ulid.ULID
	Subject string
	Reply   string // non-empty when the sender expects a reply on this subject
	Data    []byte
}

// Handler processes one delivered message. Handlers run on the connection's
// delivery goroutines and must not block indefinitely.
type Handler func(ctx context.Context, msg *Msg)

// Subscription is an active subject subscription.
type Subscription interface {
	// Pattern returns the subject pattern this subscription matches.
	Pattern() string
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe() error
}

// Conn is one connection to the message bus. The supervisor and every plugin
// process each hold exactly one.
type Conn interface {
	// Publish sends data on a literal subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for every message whose subject matches
	// the pattern.
	Subscribe(pattern string, h Handler) (Subscription, error)

	// Request publishes and waits for a single reply. The deadline comes
	// from ctx; expiry is reported as an error, never a hang.
	Request(ctx context.Context, subject string, data []byte) (*Msg, error)

	// Close tears down the connection and all its subscriptions.
	Close() error
}

// DialFunc connects to a bus given the full URL.
type DialFunc func(rawURL string) (Conn, error)

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]DialFunc)
)

// Register makes a transport available to Dial under the given URL scheme.
// Register panics on a duplicate scheme; transports register from init.
func Register(scheme string, dial DialFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, dup := drivers[scheme]; dup {
		panic("bus: Register called twice for scheme " + scheme)
	}
	drivers[scheme] = dial
}

// Dial connects to the bus named by rawURL ("mem://", "nats://host:4222", ...).
func Dial(rawURL string) (Conn, error) {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return nil, oops.Code("BUS_BAD_URL").With("url", rawURL).
			Errorf("bus URL must be scheme://..., got %q", rawURL)
	}

	driversMu.RLock()
	dial, found := drivers[scheme]
	driversMu.RUnlock()

	if !found {
		return nil, oops.Code("BUS_UNKNOWN_SCHEME").With("scheme", scheme).
			Errorf("no bus transport registered for scheme %q", scheme)
	}
	return dial(rawURL)
}

// CompilePattern compiles a subject pattern for matching. '*' matches one
// token, '**' any number of tokens.
func CompilePattern(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, oops.Code("BUS_BAD_PATTERN").Errorf("subject pattern cannot be empty")
	}
	g, err := glob.Compile(pattern, '.')
	if err != nil {
		return nil, oops.Code("BUS_BAD_PATTERN").With("pattern", pattern).
			Wrapf(err, "invalid subject pattern %q", pattern)
	}
	return g, nil
}

// ValidSubject reports whether s is a publishable literal subject:
// non-empty dot-separated tokens with no wildcards.
func ValidSubject(s string) bool {
	if s == "" {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" || strings.ContainsAny(tok, "*>") {
			return false
		}
	}
	return true
}
