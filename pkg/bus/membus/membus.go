// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

// Package membus is an in-process bus.Conn implementation. It backs tests
// and single-process deployments; multi-process deployments use a real
// transport registered under its own scheme.
package membus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/roseybot/rosey/pkg/bus"
)

// subscriberBuffer is the per-subscription delivery queue depth. Messages
// beyond it are dropped with a warning rather than blocking publishers.
const subscriberBuffer = 100

func init() {
	bus.Register("mem", func(string) (bus.Conn, error) {
		return defaultBus.Conn(), nil
	})
}

// defaultBus serves every Dial("mem://") in the process.
var defaultBus = New()

// Bus is an in-memory message bus. Connections created with Conn share it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Conn returns a new connection to the bus.
func (b *Bus) Conn() bus.Conn {
	return &conn{bus: b}
}

type subscription struct {
	id      uint64
	pattern string
	g       glob.Glob
	h       bus.Handler
	ch      chan *bus.Msg
	exited  chan struct{}
	bus     *Bus
	once    sync.Once
}

// Pattern returns the subject pattern this subscription matches.
func (s *subscription) Pattern() string { return s.pattern }

// Unsubscribe stops delivery and waits for in-flight handlers to finish.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		s.bus.mu.Unlock()
		// No publisher can hold a reference anymore; safe to close.
		close(s.ch)
		<-s.exited
	})
	return nil
}

func (s *subscription) run() {
	defer close(s.exited)
	for msg := range s.ch {
		s.h(context.Background(), msg)
	}
}

type conn struct {
	bus    *Bus
	mu     sync.Mutex
	subs   []*subscription
	closed bool
}

// Publish sends data on a literal subject.
func (c *conn) Publish(_ context.Context, subject string, data []byte) error {
	if err := c.check(); err != nil {
		return err
	}
	if !bus.ValidSubject(subject) {
		return oops.Code("BUS_BAD_SUBJECT").With("subject", subject).
			Errorf("cannot publish to subject %q", subject)
	}
	c.bus.deliver(&bus.Msg{ID: ulid.Make(), Subject: subject, Data: data})
	return nil
}

// Subscribe registers a handler for subjects matching pattern.
func (c *conn) Subscribe(pattern string, h bus.Handler) (bus.Subscription, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	g, err := bus.CompilePattern(pattern)
	if err != nil {
		return nil, err
	}

	s := &subscription{
		pattern: pattern,
		g:       g,
		h:       h,
		ch:      make(chan *bus.Msg, subscriberBuffer),
		exited:  make(chan struct{}),
		bus:     c.bus,
	}

	c.bus.mu.Lock()
	c.bus.nextID++
	s.id = c.bus.nextID
	c.bus.subs[s.id] = s
	c.bus.mu.Unlock()

	go s.run()

	c.mu.Lock()
	c.subs = append(c.subs, s)
	c.mu.Unlock()

	return s, nil
}

// Request publishes with a reply inbox and waits for one reply or ctx expiry.
func (c *conn) Request(ctx context.Context, subject string, data []byte) (*bus.Msg, error) {
	if err := c.check(); err != nil {
		return nil, err
	}
	if !bus.ValidSubject(subject) {
		return nil, oops.Code("BUS_BAD_SUBJECT").With("subject", subject).
			Errorf("cannot request on subject %q", subject)
	}

	inbox := "rosey.inbox." + ulid.Make().String()
	replies := make(chan *bus.Msg, 1)

	sub, err := c.Subscribe(inbox, func(_ context.Context, msg *bus.Msg) {
		select {
		case replies <- msg:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Unsubscribe() }()

	c.bus.deliver(&bus.Msg{ID: ulid.Make(), Subject: subject, Reply: inbox, Data: data})

	select {
	case <-ctx.Done():
		return nil, oops.Code("BUS_REQUEST_TIMEOUT").With("subject", subject).
			Wrapf(ctx.Err(), "request on %q got no reply", subject)
	case msg := <-replies:
		return msg, nil
	}
}

// Close unsubscribes everything this connection created.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}

func (c *conn) check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return oops.Code("BUS_CLOSED").Errorf("connection is closed")
	}
	return nil
}

// deliver fans a message out to every matching subscription.
func (b *Bus) deliver(msg *bus.Msg) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		if !s.g.Match(msg.Subject) {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			slog.Warn("message dropped: subscriber buffer full",
				"subject", msg.Subject,
				"pattern", s.pattern,
				"msg_id", msg.ID.String(),
			)
		}
	}
}
