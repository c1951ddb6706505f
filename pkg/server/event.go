package server

import (
	"fmt"

	"github.com/google/uuid"
)

// ConnID identifies one accepted connection. It is a random 128-bit value
// assigned by the transport; consumers compare and forward it, nothing more.
type ConnID = uuid.UUID

// NoConn is the absent connection id. As an event scope it means "not tied to
// a connection"; as a send destination it means "every connected peer".
var NoConn ConnID = uuid.Nil

// NewConnID returns a fresh random connection id. It is never NoConn.
func NewConnID() ConnID {
	return uuid.New()
}

// Kind discriminates the variants of Event.
type Kind uint8

const (
	// KindReady means the transport has begun accepting connections.
	KindReady Kind = iota
	// KindShutdown means the transport has fully stopped. It is the last event.
	KindShutdown
	// KindConnected means a connection was accepted.
	KindConnected
	// KindDisconnected means a connection was closed by either side.
	KindDisconnected
	// KindReceived carries raw bytes read from a connection.
	KindReceived
	// KindError is a loosely typed, non-fatal diagnostic.
	KindError
	// KindConnectionError is a typed error scoped to a connection attempt or session.
	KindConnectionError
	// KindServerError is a typed error affecting the whole server.
	KindServerError
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindReady:
		return "Ready"
	case KindShutdown:
		return "Shutdown"
	case KindConnected:
		return "Connected"
	case KindDisconnected:
		return "Disconnected"
	case KindReceived:
		return "Received"
	case KindError:
		return "Error"
	case KindConnectionError:
		return "ConnectionError"
	case KindServerError:
		return "ServerError"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Event is one lifecycle or data notification emitted by a transport.
// Only the fields relevant to Kind are set:
//
//	Ready, Shutdown         -
//	Connected, Disconnected Conn
//	Received                Conn, Data
//	Error                   Conn (optional), Message
//	ConnectionError         Conn (optional), Err
//	ServerError             Err
type Event[E Error] struct {
	Kind    Kind
	Conn    ConnID
	Data    []byte
	Message string
	Err     E
}

// NewReady returns a Ready event.
func NewReady[E Error]() Event[E] {
	return Event[E]{Kind: KindReady}
}

// NewShutdown returns a Shutdown event.
func NewShutdown[E Error]() Event[E] {
	return Event[E]{Kind: KindShutdown}
}

// NewConnected returns a Connected event for id.
func NewConnected[E Error](id ConnID) Event[E] {
	return Event[E]{Kind: KindConnected, Conn: id}
}

// NewDisconnected returns a Disconnected event for id.
func NewDisconnected[E Error](id ConnID) Event[E] {
	return Event[E]{Kind: KindDisconnected, Conn: id}
}

// NewReceived returns a Received event. data is not copied.
func NewReceived[E Error](id ConnID, data []byte) Event[E] {
	return Event[E]{Kind: KindReceived, Conn: id, Data: data}
}

// NewError returns an Error event. Pass NoConn for a server-scoped diagnostic.
func NewError[E Error](id ConnID, message string) Event[E] {
	return Event[E]{Kind: KindError, Conn: id, Message: message}
}

// NewConnectionError returns a ConnectionError event. Pass NoConn when the
// failure happened before an id was assigned.
func NewConnectionError[E Error](id ConnID, err E) Event[E] {
	return Event[E]{Kind: KindConnectionError, Conn: id, Err: err}
}

// NewServerError returns a ServerError event.
func NewServerError[E Error](err E) Event[E] {
	return Event[E]{Kind: KindServerError, Err: err}
}

// HasConn reports whether the event is scoped to a connection.
func (e Event[E]) HasConn() bool {
	return e.Conn != NoConn
}

// IsError reports whether the event is one of the three error variants.
func (e Event[E]) IsError() bool {
	return e.Kind == KindError || e.Kind == KindConnectionError || e.Kind == KindServerError
}

// Erase converts the event to one carrying a plain error, so events of
// transports with different error types can share a channel.
func (e Event[E]) Erase() Event[error] {
	out := Event[error]{
		Kind:    e.Kind,
		Conn:    e.Conn,
		Data:    e.Data,
		Message: e.Message,
	}
	if e.Kind == KindConnectionError || e.Kind == KindServerError {
		out.Err = e.Err
	}
	return out
}

// String renders the event on one line. Payloads are summarized by length.
func (e Event[E]) String() string {
	switch e.Kind {
	case KindReady, KindShutdown:
		return e.Kind.String()
	case KindConnected, KindDisconnected:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Conn)
	case KindReceived:
		return fmt.Sprintf("Received(%s, %d bytes)", e.Conn, len(e.Data))
	case KindError:
		return fmt.Sprintf("Error(%s): %s", scope(e.Conn), e.Message)
	case KindConnectionError:
		return fmt.Sprintf("ConnectionError(%s): %v", scope(e.Conn), e.Err)
	case KindServerError:
		return fmt.Sprintf("ServerError(%v)", e.Err)
	default:
		return e.Kind.String()
	}
}

func scope(id ConnID) string {
	if id == NoConn {
		return "none"
	}
	return id.String()
}
