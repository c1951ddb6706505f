// Package ws implements the seam transport over WebSocket. Each binary or
// text message read from a peer becomes one Received event, and each Send
// is written as one binary message.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/server"
	"github.com/seamnet/seam/pkg/transport"
)

// DefaultPath is the HTTP path upgraded to WebSocket.
const DefaultPath = "/"

// closeGracePeriod bounds the close frame written when a peer is closed.
const closeGracePeriod = time.Second

// Error is the ws transport error type.
type Error struct {
	Op   string
	Conn server.ConnID
	Err  error
}

func (e Error) Error() string {
	if e.Conn != server.NoConn {
		return fmt.Sprintf("ws %s %s: %v", e.Op, e.Conn, e.Err)
	}
	return fmt.Sprintf("ws %s: %v", e.Op, e.Err)
}

func (e Error) Unwrap() error { return e.Err }

func wrap(op string, id server.ConnID, err error) Error {
	return Error{Op: op, Conn: id, Err: err}
}

// Config configures a ws Server.
type Config struct {
	// Name labels trace records. Default "ws".
	Name string

	// Address to listen on.
	Address string

	// Path is the upgrade endpoint. Default "/".
	Path string

	// CheckOrigin validates the Origin header. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	// MaxMessageSize limits inbound messages. Zero means no limit.
	MaxMessageSize int64

	// IdleTimeout closes a connection that receives nothing for this long.
	IdleTimeout time.Duration

	// WriteTimeout bounds each outbound message write.
	WriteTimeout time.Duration

	// SendQueueSize is the per-connection outbound queue capacity.
	SendQueueSize int

	// Logger receives protocol trace records.
	Logger log.Logger

	// Backoff configures the delay after accept failures.
	Backoff transport.BackoffConfig
}

// Server is a WebSocket seam server.
type Server struct {
	cfg      Config
	engine   *transport.Engine[Error]
	backoff  *transport.Backoff
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
}

// New creates a ws Server.
func New(cfg Config) *Server {
	if cfg.Name == "" {
		cfg.Name = "ws"
	}
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Server{
		cfg: cfg,
		engine: transport.NewEngine(transport.EngineConfig[Error]{
			Name:          cfg.Name,
			Logger:        cfg.Logger,
			SendQueueSize: cfg.SendQueueSize,
			Wrap:          wrap,
		}),
		backoff:  transport.NewBackoff(cfg.Backoff),
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Listen binds the address, emits Ready and starts serving upgrades.
func (s *Server) Listen(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.cfg.Path, s)
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	err := s.engine.Listen(ctx, func(ctx context.Context) (io.Closer, error) {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", s.cfg.Address)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		return httpSrv, nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	ln := &reportingListener{Listener: s.listener, s: s}
	s.mu.Unlock()

	started := s.engine.Go(func(ctx context.Context) {
		ln.ctx = ctx
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !transport.IsClosed(err) {
			s.engine.ReportServerError("serve", err)
		}
	})
	if !started {
		// Shut down before serving began; http.Server never saw ln.
		ln.Close()
	}
	return nil
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Running() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.engine.ReportConnectionError("upgrade", fmt.Errorf("%s: %w", r.RemoteAddr, err))
		return
	}
	if s.cfg.MaxMessageSize > 0 {
		c.SetReadLimit(s.cfg.MaxMessageSize)
	}

	s.engine.Serve(&peer{
		conn:         c,
		idleTimeout:  s.cfg.IdleTimeout,
		writeTimeout: s.cfg.WriteTimeout,
	})
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

// URL returns the ws:// URL of the upgrade endpoint, or "" before Listen.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	return "ws://" + addr.String() + s.cfg.Path
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	return s.engine.Len()
}

// reportingListener reports accept failures as ServerError and backs off
// before retrying, instead of leaving them to http.Server.
type reportingListener struct {
	net.Listener
	s   *Server
	ctx context.Context
}

func (l *reportingListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err == nil {
			l.s.backoff.Reset()
			return c, nil
		}
		if !l.s.engine.Running() || transport.IsClosed(err) {
			return nil, err
		}
		l.s.engine.ReportServerError("accept", err)
		if werr := l.s.backoff.Wait(l.ctx); werr != nil {
			return nil, err
		}
	}
}

// peer adapts a WebSocket connection to transport.Peer.
type peer struct {
	conn         *websocket.Conn
	idleTimeout  time.Duration
	writeTimeout time.Duration
}

func (p *peer) Read() ([]byte, error) {
	if p.idleTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.idleTimeout)); err != nil {
			return nil, err
		}
	}
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (p *peer) Write(b []byte) error {
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
	}
	return p.conn.WriteMessage(websocket.BinaryMessage, b)
}

func (p *peer) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = p.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
	return p.conn.Close()
}

func (p *peer) RemoteAddr() net.Addr {
	return p.conn.RemoteAddr()
}

var (
	_ server.Server[Error, transport.Handle[Error]] = (*Server)(nil)
	_ transport.Peer                                = (*peer)(nil)
)
