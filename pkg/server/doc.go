// Package server defines the seam between connection-oriented transports and
// the code that consumes them.
//
// A transport (TCP, TLS, QUIC, WebSocket, in-memory) implements Server. The
// consumer never sees the transport's internals. It drains a single event
// stream and issues commands through Control handles:
//
//	srv := tcp.New(tcp.Config{Address: ":7000"})
//	events, _ := srv.Observer()
//	if err := srv.Listen(ctx); err != nil {
//	    return err
//	}
//	ctl := srv.Control()
//	for ev := range events {
//	    switch ev.Kind {
//	    case server.KindReceived:
//	        _ = ctl.Send(ctx, ev.Data, ev.Conn)
//	    }
//	}
//
// # Event ordering
//
// For one server instance:
//   - Ready precedes every per-connection event.
//   - Connected(id) precedes every Received, Error and ConnectionError for id.
//   - Disconnected(id) is the last event referencing id.
//   - Shutdown is the last event; the channel is closed after it.
//
// No ordering exists between events of different connections, nor between a
// control call returning and the event it causes.
//
// # Errors
//
// Transports parameterize events over their own error type (see Error).
// Control calls return errors synchronously and wrap the sentinels in this
// package, so callers can use errors.Is regardless of the transport.
package server
