// Package servertest provides helpers for testing server.Server
// implementations: an event-sequence checker and a conformance suite that
// any transport can run against itself.
package servertest

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seamnet/seam/pkg/server"
)

// DefaultTimeout bounds every wait in this package.
const DefaultTimeout = 5 * time.Second

// Check verifies the ordering rules of an observed event sequence:
//   - Shutdown appears at most once and only as the last event
//   - Ready appears at most once and before every connection event
//   - per connection: one Connected, then data and error events, then one
//     Disconnected, and nothing afterwards
//
// If the sequence ends with Shutdown, every connection must have been
// disconnected. All violations are returned joined.
func Check[E server.Error](events []server.Event[E]) error {
	var errs []error
	fail := func(i int, format string, args ...any) {
		errs = append(errs, fmt.Errorf("event %d: "+format, append([]any{i}, args...)...))
	}

	const (
		open = iota + 1
		closed
	)
	conns := make(map[server.ConnID]int)
	ready := false
	shutdown := false

	for i, ev := range events {
		if shutdown {
			fail(i, "%s after Shutdown", ev)
			continue
		}

		switch ev.Kind {
		case server.KindReady:
			if ready {
				fail(i, "duplicate Ready")
			}
			if len(conns) > 0 {
				fail(i, "Ready after connection events")
			}
			ready = true

		case server.KindShutdown:
			shutdown = true

		case server.KindConnected:
			if !ready {
				fail(i, "%s before Ready", ev)
			}
			if _, seen := conns[ev.Conn]; seen {
				fail(i, "duplicate %s", ev)
			}
			conns[ev.Conn] = open

		case server.KindDisconnected:
			if conns[ev.Conn] != open {
				fail(i, "%s without open connection", ev)
			}
			conns[ev.Conn] = closed

		case server.KindReceived, server.KindError, server.KindConnectionError:
			if !ev.HasConn() {
				if ev.Kind == server.KindReceived {
					fail(i, "Received without connection")
				}
				continue
			}
			if conns[ev.Conn] != open {
				fail(i, "%s outside Connected..Disconnected", ev)
			}

		case server.KindServerError:
			if ev.HasConn() {
				fail(i, "ServerError carries a connection")
			}

		default:
			fail(i, "unknown kind %s", ev.Kind)
		}
	}

	if shutdown {
		for id, st := range conns {
			if st == open {
				errs = append(errs, fmt.Errorf("connection %s not disconnected before Shutdown", id))
			}
		}
	}
	return errors.Join(errs...)
}

// Next waits for the next event. It fails the test on timeout or when the
// channel is closed.
func Next[E server.Error](tb testing.TB, events <-chan server.Event[E]) server.Event[E] {
	tb.Helper()
	select {
	case ev, ok := <-events:
		if !ok {
			tb.Fatal("event channel closed")
		}
		return ev
	case <-time.After(DefaultTimeout):
		tb.Fatal("timed out waiting for event")
	}
	return server.Event[E]{}
}

// Expect waits for the next event and requires it to be of kind.
func Expect[E server.Error](tb testing.TB, events <-chan server.Event[E], kind server.Kind) server.Event[E] {
	tb.Helper()
	ev := Next(tb, events)
	if ev.Kind != kind {
		tb.Fatalf("got %s, want %s", ev, kind)
	}
	return ev
}

// Drain collects events until the channel is closed.
func Drain[E server.Error](tb testing.TB, events <-chan server.Event[E]) []server.Event[E] {
	tb.Helper()
	var out []server.Event[E]
	deadline := time.After(DefaultTimeout)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			tb.Fatalf("event channel not closed; collected %d events", len(out))
			return out
		}
	}
}
