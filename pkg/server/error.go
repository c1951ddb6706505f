package server

import "errors"

// Error is the capability a transport error type must have to travel inside
// events. Implementations should be immutable values: events are copied to
// every observer and may cross goroutines.
type Error interface {
	error
}

// Errors shared by every transport. Transport error types wrap these.
var (
	// ErrUnknownConnection indicates the connection id is not (or no longer) connected.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrNotRunning indicates the server has shut down or is shutting down.
	ErrNotRunning = errors.New("server not running")

	// ErrAlreadyListening indicates Listen was called more than once.
	ErrAlreadyListening = errors.New("server already listening")

	// ErrObserverTaken indicates Observer was called more than once.
	ErrObserverTaken = errors.New("observer already taken")

	// ErrSendQueueFull indicates the peer's outbound queue cannot take more data.
	ErrSendQueueFull = errors.New("send queue full")
)
