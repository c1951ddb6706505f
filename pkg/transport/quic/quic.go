// Package quic implements the seam transport over QUIC.
//
// Each accepted connection carries two unidirectional streams: the server
// writes on the first stream it opens and reads from the first stream the
// client opens. Either side can therefore send first, and a stream becomes
// visible to the other side with its first byte.
package quic

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/server"
	"github.com/seamnet/seam/pkg/transport"
)

// Application error codes sent in CONNECTION_CLOSE frames.
const (
	CodeNormal  quicgo.ApplicationErrorCode = 0
	CodeRefused quicgo.ApplicationErrorCode = 1
)

// DefaultMaxIdleTimeout is the QUIC idle timeout when none is configured.
const DefaultMaxIdleTimeout = 30 * time.Second

// Error is the quic transport error type.
type Error struct {
	Op   string
	Conn server.ConnID
	Err  error
}

func (e Error) Error() string {
	if e.Conn != server.NoConn {
		return fmt.Sprintf("quic %s %s: %v", e.Op, e.Conn, e.Err)
	}
	return fmt.Sprintf("quic %s: %v", e.Op, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

func wrap(op string, id server.ConnID, err error) Error {
	return Error{Op: op, Conn: id, Err: err}
}

// Config configures a quic Server.
type Config struct {
	// Name labels trace records. Default "quic".
	Name string

	// Address is the UDP address to listen on.
	Address string

	// TLS is required. QUIC always runs TLS 1.3.
	TLS *transport.TLSConfig

	// MaxIdleTimeout is the QUIC connection idle timeout.
	MaxIdleTimeout time.Duration

	// KeepAlivePeriod sends PING frames at this interval. Zero disables them.
	KeepAlivePeriod time.Duration

	// IdleTimeout closes a connection that receives no payload for this long.
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

// Server is a QUIC seam server.
type Server struct {
	cfg      Config
	tlsConf  *tls.Config
	quicConf *quicgo.Config
	engine   *transport.Engine[Error]
	backoff  *transport.Backoff

	mu       sync.Mutex
	udp      *net.UDPConn
	tr       *quicgo.Transport
	listener *quicgo.Listener
	stopped  bool
}

// New creates a quic Server. It fails when the TLS configuration is missing
// or invalid.
func New(cfg Config) (*Server, error) {
	if cfg.TLS == nil {
		return nil, errors.New("quic requires a TLS configuration")
	}
	tlsConf, err := transport.NewServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS config: %w", err)
	}
	if cfg.Name == "" {
		cfg.Name = "quic"
	}
	if cfg.MaxIdleTimeout <= 0 {
		cfg.MaxIdleTimeout = DefaultMaxIdleTimeout
	}

	s := &Server{
		cfg:     cfg,
		tlsConf: tlsConf,
		quicConf: &quicgo.Config{
			MaxIdleTimeout:  cfg.MaxIdleTimeout,
			KeepAlivePeriod: cfg.KeepAlivePeriod,
		},
		backoff: transport.NewBackoff(cfg.Backoff),
	}
	s.engine = transport.NewEngine(transport.EngineConfig[Error]{
		Name:          cfg.Name,
		Logger:        cfg.Logger,
		SendQueueSize: cfg.SendQueueSize,
		Wrap:          wrap,
		OnStopped:     s.closeTransport,
	})
	return s, nil
}

// Listen binds the UDP address, emits Ready and starts accepting.
func (s *Server) Listen(ctx context.Context) error {
	err := s.engine.Listen(ctx, func(context.Context) (io.Closer, error) {
		return s.bind()
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.engine.Go(func(ctx context.Context) {
		s.engine.AcceptLoop(ctx, s.backoff, func(ctx context.Context) (func(context.Context), error) {
			conn, err := ln.Accept(ctx)
			if err != nil {
				if errors.Is(err, quicgo.ErrServerClosed) {
					return nil, net.ErrClosed
				}
				return nil, err
			}
			return func(context.Context) { s.handle(conn) }, nil
		})
	})
	return nil
}

// bind opens the UDP socket and a QUIC transport on it. The returned
// listener only stops accepting; the transport stays up until closeTransport
// so that established connections can still send their close frames.
func (s *Server) bind() (io.Closer, error) {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.Address)
	if err != nil {
		return nil, err
	}
	udp, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	tr := &quicgo.Transport{Conn: udp}
	ln, err := tr.Listen(s.tlsConf, s.quicConf)
	if err != nil {
		tr.Close()
		udp.Close()
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.udp, s.tr, s.listener = udp, tr, ln
	if s.stopped {
		s.closeTransportLocked()
		return nil, net.ErrClosed
	}
	return ln, nil
}

// closeTransport releases the QUIC transport and its socket once the engine
// has closed every connection.
func (s *Server) closeTransport() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.closeTransportLocked()
}

func (s *Server) closeTransportLocked() {
	if s.tr != nil {
		s.tr.Close()
		s.tr = nil
	}
	if s.udp != nil {
		s.udp.Close()
		s.udp = nil
	}
}

// handle verifies the negotiated protocol, opens the outbound stream and
// serves the connection.
func (s *Server) handle(conn quicgo.Connection) {
	remote := conn.RemoteAddr()

	if err := transport.VerifyConnection(conn.ConnectionState().TLS, s.tlsConf.NextProtos...); err != nil {
		conn.CloseWithError(CodeRefused, "handshake")
		s.engine.ReportConnectionError("handshake", fmt.Errorf("%s: %w", remote, err))
		return
	}

	send, err := conn.OpenUniStream()
	if err != nil {
		conn.CloseWithError(CodeRefused, "stream")
		s.engine.ReportConnectionError("stream", fmt.Errorf("%s: %w", remote, err))
		return
	}

	s.engine.Serve(transport.NewStreamPeer(&streams{conn: conn, send: send}, remote, s.cfg.ReadBufferSize, s.cfg.IdleTimeout))
}

// Observer returns the event channel. See server.Server.
func (s *Server) Observer() (<-chan server.Event[Error], error) {
	return s.engine.Observer()
}

// Control returns a control handle. See server.Server.
func (s *Server) Control() transport.Handle[Error] {
	return s.engine.Control()
}

// Addr returns the bound UDP address, or nil before Listen.
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

// streams joins the outbound stream and the lazily accepted inbound stream
// of one connection into a byte stream. Read and SetReadDeadline are only
// called from the engine's reader goroutine.
type streams struct {
	conn     quicgo.Connection
	send     quicgo.SendStream
	recv     quicgo.ReceiveStream
	deadline time.Time
}

func (s *streams) SetReadDeadline(t time.Time) error {
	s.deadline = t
	if s.recv != nil {
		return s.recv.SetReadDeadline(t)
	}
	return nil
}

func (s *streams) Read(p []byte) (int, error) {
	if s.recv == nil {
		recv, err := s.accept()
		if err != nil {
			return 0, err
		}
		s.recv = recv
	}
	n, err := s.recv.Read(p)
	return n, closeError(err)
}

func (s *streams) accept() (quicgo.ReceiveStream, error) {
	connCtx := s.conn.Context()
	ctx := connCtx
	if !s.deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, s.deadline)
		defer cancel()
	}

	recv, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		if connCtx.Err() != nil {
			return nil, closeError(context.Cause(connCtx))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, os.ErrDeadlineExceeded
		}
		return nil, closeError(err)
	}
	if !s.deadline.IsZero() {
		if err := recv.SetReadDeadline(s.deadline); err != nil {
			return nil, err
		}
	}
	return recv, nil
}

func (s *streams) Write(p []byte) (int, error) {
	n, err := s.send.Write(p)
	return n, closeError(err)
}

func (s *streams) Close() error {
	return s.conn.CloseWithError(CodeNormal, "")
}

// closeError maps an orderly application close to io.EOF.
func closeError(err error) error {
	var appErr *quicgo.ApplicationError
	if errors.As(err, &appErr) && appErr.ErrorCode == CodeNormal {
		return io.EOF
	}
	return err
}

var _ server.Server[Error, transport.Handle[Error]] = (*Server)(nil)
