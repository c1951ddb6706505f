// Package mem implements an in-process seam transport over net.Pipe. It
// exists for tests and for wiring components together inside one process.
package mem

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/server"
	"github.com/seamnet/seam/pkg/transport"
)

// Error is the mem transport error type.
type Error struct {
	Op   string
	Conn server.ConnID
	Err  error
}

func (e Error) Error() string {
	if e.Conn != server.NoConn {
		return fmt.Sprintf("mem %s %s: %v", e.Op, e.Conn, e.Err)
	}
	return fmt.Sprintf("mem %s: %v", e.Op, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

func wrap(op string, id server.ConnID, err error) Error {
	return Error{Op: op, Conn: id, Err: err}
}

// Config configures a mem Server.
type Config struct {
	// Name labels the listener address and trace records. Default "mem".
	Name string

	// ReadBufferSize is the per-connection read chunk size.
	ReadBufferSize int

	// SendQueueSize is the per-connection outbound queue capacity.
	SendQueueSize int

	// Logger receives protocol trace records.
	Logger log.Logger
}

// Addr is the address of a mem listener.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// Server is an in-memory seam server. Clients connect with Dial.
type Server struct {
	cfg     Config
	engine  *transport.Engine[Error]
	backoff *transport.Backoff

	incoming  chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a mem Server.
func New(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "mem"
	}
	return &Server{
		cfg: cfg,
		engine: transport.NewEngine(transport.EngineConfig[Error]{
			Name:          cfg.Name,
			Logger:        cfg.Logger,
			SendQueueSize: cfg.SendQueueSize,
			Wrap:          wrap,
		}),
		backoff:  transport.NewBackoff(transport.BackoffConfig{}),
		incoming: make(chan net.Conn),
		closed:   make(chan struct{}),
	}
}

// Listen starts accepting Dial calls and emits Ready.
func (s *Server) Listen(ctx context.Context) error {
	err := s.engine.Listen(ctx, func(context.Context) (io.Closer, error) {
		return s, nil
	})
	if err != nil {
		return err
	}
	s.engine.Go(func(ctx context.Context) {
		s.engine.AcceptLoop(ctx, s.backoff, s.accept)
	})
	return nil
}

// Close stops accepting Dial calls. It is called by shutdown; consumers
// use the Control handle instead.
func (s *Server) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *Server) accept(ctx context.Context) (func(context.Context), error) {
	select {
	case c := <-s.incoming:
		return func(context.Context) {
			s.engine.Serve(transport.NewStreamPeer(c, c.RemoteAddr(), s.cfg.ReadBufferSize, 0))
		}, nil
	case <-s.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial opens a client connection. The returned conn is the client end of
// a synchronous pipe: writes block until the server reads them.
func (s *Server) Dial(ctx context.Context) (net.Conn, error) {
	if !s.engine.Running() {
		return nil, wrap("dial", server.NoConn, server.ErrNotRunning)
	}

	client, srv := net.Pipe()
	select {
	case s.incoming <- srv:
		return client, nil
	case <-s.closed:
		client.Close()
		srv.Close()
		return nil, wrap("dial", server.NoConn, server.ErrNotRunning)
	case <-ctx.Done():
		client.Close()
		srv.Close()
		return nil, ctx.Err()
	}
}

// Observer returns the event channel. See server.Server.
func (s *Server) Observer() (<-chan server.Event[Error], error) {
	return s.engine.Observer()
}

// Control returns a control handle. See server.Server.
func (s *Server) Control() transport.Handle[Error] {
	return s.engine.Control()
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr {
	return Addr(s.cfg.Name)
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	return s.engine.Len()
}

var _ server.Server[Error, transport.Handle[Error]] = (*Server)(nil)
