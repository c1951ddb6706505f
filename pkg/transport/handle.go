package transport

import (
	"context"

	"github.com/seamnet/seam/pkg/server"
)

// Handle is the server.Control of an Engine. Copies share the engine.
// The zero Handle is not bound to any engine and fails every command with
// server.ErrNotRunning.
type Handle[E server.Error] struct {
	e *Engine[E]
}

// Shutdown requests an orderly stop. See server.Control.
func (h Handle[E]) Shutdown(ctx context.Context) error {
	if h.e == nil {
		return server.ErrNotRunning
	}
	return h.e.shutdown(ctx)
}

// Send enqueues payload for to, or for every peer when to is server.NoConn.
func (h Handle[E]) Send(ctx context.Context, payload []byte, to server.ConnID) error {
	if h.e == nil {
		return server.ErrNotRunning
	}
	return h.e.send(ctx, payload, to)
}

// Disconnect closes connection id.
func (h Handle[E]) Disconnect(ctx context.Context, id server.ConnID) error {
	if h.e == nil {
		return server.ErrNotRunning
	}
	return h.e.disconnect(ctx, id)
}

// DisconnectAll closes every connection.
func (h Handle[E]) DisconnectAll(ctx context.Context) error {
	if h.e == nil {
		return server.ErrNotRunning
	}
	return h.e.disconnectAll(ctx)
}

var _ server.Control = Handle[error]{}
