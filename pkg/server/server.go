package server

import "context"

// Server is the capability a concrete transport exposes. E is the
// transport's error type and C its control handle type.
type Server[E Error, C Control] interface {
	// Listen starts accepting connections. It returns once the transport
	// is accepting (a Ready event has been emitted) or failed to start.
	// A second call fails with ErrAlreadyListening.
	Listen(ctx context.Context) error

	// Observer returns the event stream. Events emitted before the first
	// call are buffered. The channel is closed after Shutdown. A second
	// call fails with ErrObserverTaken.
	Observer() (<-chan Event[E], error)

	// Control returns a handle bound to this server. It may be called any
	// number of times, before or after Listen.
	Control() C
}
