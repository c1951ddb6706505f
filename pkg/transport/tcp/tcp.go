// Package tcp implements the seam transport over TCP, optionally wrapped in
// TLS 1.3.
package tcp

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/server"
	"github.com/seamnet/seam/pkg/transport"
)

// DefaultHandshakeTimeout bounds the TLS handshake of an accepted connection.
const DefaultHandshakeTimeout = 10 * time.Second

// Error is the tcp transport error type.
type Error struct {
	Op   string
	Conn server.ConnID
	Err  error
}

func (e Error) Error() string {
	if e.Conn != server.NoConn {
		return fmt.Sprintf("tcp %s %s: %v", e.Op, e.Conn, e.Err)
	}
	return fmt.Sprintf("tcp %s: %v", e.Op, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

func wrap(op string, id server.ConnID, err error) Error {
	return Error{Op: op, Conn: id, Err: err}
}

// Config configures a tcp Server.
type Config struct {
	// Name labels trace records. Default "tcp", or "tls" with TLS set.
	Name string

	// Address to listen on (e.g. ":7000" or "127.0.0.1:0").
	Address string

	// TLS enables TLS 1.3 when set.
	TLS *transport.TLSConfig

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the system default,
	// negative disables keep-alives.
	KeepAlive time.Duration

	// IdleTimeout closes a connection that receives nothing for this long.
	IdleTimeout time.Duration

	// ReadBufferSize is the per-connection read chunk size.
	ReadBufferSize int

	// SendQueueSize is the per-connection outbound queue capacity.
	SendQueueSize int

	// Logger receives protocol trace records.
	Logger log.Logger

	// Backoff configures the delay after accept failures.
	Backoff transport.BackoffConfig
}

// Server is a TCP (or TLS) seam server.
type Server struct {
	cfg     Config
	tlsConf *tls.Config
	engine  *transport.Engine[Error]
	backoff *transport.Backoff

	mu       sync.Mutex
	listener net.Listener
}

// New creates a tcp Server. It fails only on an invalid TLS configuration.
func New(cfg Config) (*Server, error) {
	var tlsConf *tls.Config
	if cfg.TLS != nil {
		var err error
		tlsConf, err = transport.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
	}
	if cfg.Name == "" {
		cfg.Name = "tcp"
		if tlsConf != nil {
			cfg.Name = "tls"
		}
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}

	return &Server{
		cfg:     cfg,
		tlsConf: tlsConf,
		engine: transport.NewEngine(transport.EngineConfig[Error]{
			Name:          cfg.Name,
			Logger:        cfg.Logger,
			SendQueueSize: cfg.SendQueueSize,
			Wrap:          wrap,
		}),
		backoff: transport.NewBackoff(cfg.Backoff),
	}, nil
}

// Listen binds the address, emits Ready and starts accepting.
func (s *Server) Listen(ctx context.Context) error {
	err := s.engine.Listen(ctx, func(ctx context.Context) (io.Closer, error) {
		lc := net.ListenConfig{KeepAlive: s.cfg.KeepAlive}
		ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		return ln, nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.engine.Go(func(ctx context.Context) {
		s.engine.AcceptLoop(ctx, s.backoff, func(context.Context) (func(context.Context), error) {
			conn, err := ln.Accept()
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) { s.handle(ctx, conn) }, nil
		})
	})
	return nil
}

// handle runs the optional TLS handshake and serves the connection.
func (s *Server) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()

	if s.tlsConf == nil {
		s.engine.Serve(transport.NewStreamPeer(conn, remote, s.cfg.ReadBufferSize, s.cfg.IdleTimeout))
		return
	}

	tlsConn := tls.Server(conn, s.tlsConf)
	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()

	if err := tlsConn.HandshakeContext(hctx); err != nil {
		conn.Close()
		s.engine.ReportConnectionError("handshake", fmt.Errorf("%s: %w", remote, err))
		return
	}
	if err := transport.VerifyTLS13(tlsConn.ConnectionState()); err != nil {
		tlsConn.Close()
		s.engine.ReportConnectionError("handshake", fmt.Errorf("%s: %w", remote, err))
		return
	}

	s.engine.Serve(transport.NewStreamPeer(tlsConn, remote, s.cfg.ReadBufferSize, s.cfg.IdleTimeout))
}

// Observer returns the event channel. See server.Server.
func (s *Server) Observer() (<-chan server.Event[Error], error) {
	return s.engine.Observer()
}

// Control returns a control handle. See server.Server.
func (s *Server) Control() transport.Handle[Error] {
	return s.engine.Control()
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	return s.engine.Len()
}

var _ server.Server[Error, transport.Handle[Error]] = (*Server)(nil)
