package server

import "context"

// Control is the only sanctioned way to affect a running transport from the
// outside. Implementations are small values referencing shared transport
// state: copies are cheap, and every copy may be used concurrently.
//
// Errors returned by Control methods are the transport's own error type and
// wrap the sentinels of this package. A failed call means the effect did not
// happen. A call whose context is done fails with the context error and has
// no effect.
type Control interface {
	// Shutdown requests an orderly stop of the whole server. It is
	// idempotent and returns before the stop completes; a Shutdown event
	// follows.
	Shutdown(ctx context.Context) error

	// Send enqueues payload for to, or for every connected peer when to is
	// NoConn. Success means enqueued, not delivered.
	Send(ctx context.Context, payload []byte, to ConnID) error

	// Disconnect requests that connection id be closed. Disconnected(id)
	// follows on success. An unknown id fails without emitting anything.
	Disconnect(ctx context.Context, id ConnID) error

	// DisconnectAll requests that every connected peer be closed. Failures
	// for individual peers are reported as events, not by the return value.
	DisconnectAll(ctx context.Context) error
}

// Sending is an outbound send request: a payload and an optional destination.
type Sending struct {
	Payload []byte
	To      ConnID
}

// Broadcast returns a Sending addressed to every connected peer.
func Broadcast(payload []byte) Sending {
	return Sending{Payload: payload, To: NoConn}
}

// Unicast returns a Sending addressed to one peer.
func Unicast(payload []byte, to ConnID) Sending {
	return Sending{Payload: payload, To: to}
}

// IsBroadcast reports whether the request has no destination.
func (s Sending) IsBroadcast() bool {
	return s.To == NoConn
}

// Dispatch issues s through c.
func (s Sending) Dispatch(ctx context.Context, c Control) error {
	return c.Send(ctx, s.Payload, s.To)
}
