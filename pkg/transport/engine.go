package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/server"
)

// DefaultSendQueueSize is the per-connection outbound queue capacity.
const DefaultSendQueueSize = 64

// WrapFunc builds a transport error value from an operation name, the
// connection it concerns (server.NoConn when none) and the cause.
type WrapFunc[E server.Error] func(op string, id server.ConnID, err error) E

// EngineConfig configures an Engine.
type EngineConfig[E server.Error] struct {
	// Name identifies the transport in trace records.
	Name string

	// Logger receives a trace record for every emitted event and every
	// outbound write. Nil disables tracing.
	Logger log.Logger

	// SendQueueSize is the per-connection outbound queue capacity.
	SendQueueSize int

	// Wrap converts failures into the transport's error type. Required.
	Wrap WrapFunc[E]

	// OnShutdown runs once during shutdown, after the listener is closed
	// and before connections are closed.
	OnShutdown func()

	// OnStopped runs once during shutdown, after every connection is closed
	// and its goroutines have returned, before Shutdown is emitted.
	OnStopped func()
}

type engineState uint8

const (
	stateIdle engineState = iota
	stateBinding
	stateListening
	stateStopping
	stateStopped
)

// Engine is the connection table, event queue and command surface shared by
// every transport. A transport supplies the listener and the accept loop;
// the engine enforces event ordering and owns connection lifetimes.
type Engine[E server.Error] struct {
	cfg    EngineConfig[E]
	logger log.Logger

	mu            sync.Mutex
	state         engineState
	conns         map[server.ConnID]*conn
	listener      io.Closer
	observerTaken bool

	queue  *eventQueue[E]
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewEngine creates an idle engine. It panics if cfg.Wrap is nil.
func NewEngine[E server.Error](cfg EngineConfig[E]) *Engine[E] {
	if cfg.Wrap == nil {
		panic("transport: EngineConfig.Wrap is required")
	}
	if cfg.Name == "" {
		cfg.Name = "transport"
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}

	var logger log.Logger = log.NoopLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine[E]{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[server.ConnID]*conn),
		queue:  newEventQueue[E](),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// conn is one registered connection.
type conn struct {
	id     server.ConnID
	peer   Peer
	remote string
	sendq  chan []byte
	stop   chan struct{}

	closing   atomic.Bool
	closeOnce sync.Once
}

// close closes the peer. Only the first call returns the close error.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		close(c.stop)
		err = c.peer.Close()
	})
	return err
}

func (c *conn) enqueue(p []byte) bool {
	select {
	case c.sendq <- p:
		return true
	default:
		return false
	}
}

// Name returns the transport name used in trace records.
func (e *Engine[E]) Name() string {
	return e.cfg.Name
}

// Wrap builds a transport error with the configured WrapFunc.
func (e *Engine[E]) Wrap(op string, id server.ConnID, err error) E {
	return e.cfg.Wrap(op, id, err)
}

// Observer hands out the event channel. It succeeds once; the channel is
// closed after the Shutdown event.
func (e *Engine[E]) Observer() (<-chan server.Event[E], error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.observerTaken {
		return nil, e.cfg.Wrap("observer", server.NoConn, server.ErrObserverTaken)
	}
	e.observerTaken = true

	out := make(chan server.Event[E])
	go e.queue.pump(out)
	return out, nil
}

// Control returns a handle bound to this engine.
func (e *Engine[E]) Control() Handle[E] {
	return Handle[E]{e: e}
}

// Listen runs bind and, on success, moves the engine to the listening state
// and emits Ready. The closer returned by bind is closed on shutdown. ctx
// bounds only the bind.
func (e *Engine[E]) Listen(ctx context.Context, bind func(context.Context) (io.Closer, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case stateIdle:
	case stateBinding, stateListening:
		e.mu.Unlock()
		return e.cfg.Wrap("listen", server.NoConn, server.ErrAlreadyListening)
	default:
		e.mu.Unlock()
		return e.cfg.Wrap("listen", server.NoConn, server.ErrNotRunning)
	}
	e.state = stateBinding
	e.mu.Unlock()

	ln, err := bind(ctx)

	e.mu.Lock()
	if err != nil {
		if e.state == stateBinding {
			e.state = stateIdle
		}
		e.mu.Unlock()
		return e.cfg.Wrap("listen", server.NoConn, err)
	}
	if e.state != stateBinding {
		// Shut down while binding.
		e.mu.Unlock()
		ln.Close()
		return e.cfg.Wrap("listen", server.NoConn, server.ErrNotRunning)
	}
	e.listener = ln
	e.state = stateListening
	e.emitLocked(server.NewReady[E]())
	e.mu.Unlock()
	return nil
}

// Go runs fn in a goroutine tracked by shutdown. It returns false, without
// running fn, once shutdown has begun. fn receives a context that is
// canceled when shutdown begins.
func (e *Engine[E]) Go(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	if e.state != stateBinding && e.state != stateListening {
		e.mu.Unlock()
		return false
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// AcceptLoop calls accept until the engine stops or the listener is closed,
// running each returned handler in its own tracked goroutine. Accept
// failures are reported as ServerError and retried after a backoff delay.
func (e *Engine[E]) AcceptLoop(ctx context.Context, backoff *Backoff, accept func(context.Context) (func(context.Context), error)) {
	for {
		handle, err := accept(ctx)
		if err != nil {
			if !e.Running() || ctx.Err() != nil || IsClosed(err) {
				return
			}
			e.ReportServerError("accept", err)
			if backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		backoff.Reset()

		if !e.Go(handle) {
			// Let the handler release the connection under a dead context.
			dead, cancel := context.WithCancel(ctx)
			cancel()
			handle(dead)
			return
		}
	}
}

// Serve registers peer as a new connection, emits Connected and pumps its
// reads into Received events until the peer fails or is closed. It blocks
// for the lifetime of the connection. Outside the listening state the peer
// is closed and nothing is emitted.
func (e *Engine[E]) Serve(peer Peer) {
	c := &conn{
		id:    server.NewConnID(),
		peer:  peer,
		sendq: make(chan []byte, e.cfg.SendQueueSize),
		stop:  make(chan struct{}),
	}
	if addr := peer.RemoteAddr(); addr != nil {
		c.remote = addr.String()
	}

	e.mu.Lock()
	if e.state != stateListening {
		e.mu.Unlock()
		peer.Close()
		return
	}
	e.conns[c.id] = c
	e.wg.Add(2)
	e.emitLocked(server.NewConnected[E](c.id))
	e.mu.Unlock()

	defer e.wg.Done()
	go e.writeLoop(c)

	for {
		data, err := peer.Read()
		if err != nil {
			if !c.closing.Load() && !IsClosed(err) {
				e.emitConn(c, server.NewConnectionError(c.id, e.cfg.Wrap("read", c.id, err)))
			}
			break
		}
		e.emitConn(c, server.NewReceived[E](c.id, data))
	}

	c.close()

	e.mu.Lock()
	if e.conns[c.id] == c {
		delete(e.conns, c.id)
		e.emitLocked(server.NewDisconnected[E](c.id))
	}
	e.mu.Unlock()
}

// writeLoop drains the connection's send queue until the connection closes.
func (e *Engine[E]) writeLoop(c *conn) {
	defer e.wg.Done()

	for {
		select {
		case <-c.stop:
			return
		case p := <-c.sendq:
			if err := c.peer.Write(p); err != nil {
				if !c.closing.Load() {
					e.emitConn(c, server.NewConnectionError(c.id, e.cfg.Wrap("write", c.id, err)))
					c.close()
				}
				return
			}
			e.logger.Log(log.WriteEvent(e.cfg.Name, c.id, c.remote, len(p)))
		}
	}
}

// ReportServerError emits ServerError while the engine is listening.
// Errors during shutdown are expected and dropped.
func (e *Engine[E]) ReportServerError(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateListening {
		e.emitLocked(server.NewServerError(e.cfg.Wrap(op, server.NoConn, err)))
	}
}

// ReportConnectionError emits ConnectionError without an identifier, for a
// connection attempt that failed before Serve (handshake, upgrade).
func (e *Engine[E]) ReportConnectionError(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == stateListening {
		e.emitLocked(server.NewConnectionError(server.NoConn, e.cfg.Wrap(op, server.NoConn, err)))
	}
}

// Running reports whether the engine is listening.
func (e *Engine[E]) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateListening
}

// Done is closed once shutdown has completed and Shutdown was emitted.
func (e *Engine[E]) Done() <-chan struct{} {
	return e.done
}

// Len returns the number of registered connections.
func (e *Engine[E]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// Conns returns the identifiers of the registered connections.
func (e *Engine[E]) Conns() []server.ConnID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]server.ConnID, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine[E]) shutdown(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state >= stateStopping {
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopping
	ln := e.listener
	conns := e.snapshotLocked()
	e.mu.Unlock()

	go e.stop(ln, conns)
	return nil
}

// stop tears the engine down and emits Shutdown last.
func (e *Engine[E]) stop(ln io.Closer, conns []*conn) {
	e.cancel()

	if ln != nil {
		if err := ln.Close(); err != nil && !IsClosed(err) {
			e.emit(server.NewError[E](server.NoConn, fmt.Sprintf("close listener: %v", err)))
		}
	}
	if e.cfg.OnShutdown != nil {
		e.cfg.OnShutdown()
	}
	for _, c := range conns {
		if err := c.close(); err != nil && !IsClosed(err) {
			e.emitConn(c, server.NewError[E](c.id, fmt.Sprintf("close: %v", err)))
		}
	}

	e.wg.Wait()
	if e.cfg.OnStopped != nil {
		e.cfg.OnStopped()
	}

	e.mu.Lock()
	e.emitLocked(server.NewShutdown[E]())
	e.state = stateStopped
	e.mu.Unlock()

	close(e.done)
}

func (e *Engine[E]) send(ctx context.Context, payload []byte, to server.ConnID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := bytes.Clone(payload)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateListening {
		return e.cfg.Wrap("send", to, server.ErrNotRunning)
	}

	if to == server.NoConn {
		for _, c := range e.conns {
			if !c.enqueue(p) {
				e.emitLocked(server.NewError[E](c.id, fmt.Sprintf("broadcast: %v", server.ErrSendQueueFull)))
			}
		}
		return nil
	}

	c, ok := e.conns[to]
	if !ok {
		return e.cfg.Wrap("send", to, server.ErrUnknownConnection)
	}
	if !c.enqueue(p) {
		return e.cfg.Wrap("send", to, server.ErrSendQueueFull)
	}
	return nil
}

func (e *Engine[E]) disconnect(ctx context.Context, id server.ConnID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != stateListening {
		e.mu.Unlock()
		return e.cfg.Wrap("disconnect", id, server.ErrNotRunning)
	}
	c, ok := e.conns[id]
	e.mu.Unlock()
	if !ok {
		return e.cfg.Wrap("disconnect", id, server.ErrUnknownConnection)
	}

	if err := c.close(); err != nil && !IsClosed(err) {
		e.emitConn(c, server.NewError[E](id, fmt.Sprintf("disconnect: %v", err)))
	}
	return nil
}

func (e *Engine[E]) disconnectAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	if e.state != stateListening {
		e.mu.Unlock()
		return e.cfg.Wrap("disconnect_all", server.NoConn, server.ErrNotRunning)
	}
	conns := e.snapshotLocked()
	e.mu.Unlock()

	for _, c := range conns {
		if err := c.close(); err != nil && !IsClosed(err) {
			e.emitConn(c, server.NewError[E](c.id, fmt.Sprintf("disconnect: %v", err)))
		}
	}
	return nil
}

func (e *Engine[E]) snapshotLocked() []*conn {
	conns := make([]*conn, 0, len(e.conns))
	for _, c := range e.conns {
		conns = append(conns, c)
	}
	return conns
}

// emitConn emits ev only while c is still registered, which keeps every
// per-connection event between Connected and Disconnected.
func (e *Engine[E]) emitConn(c *conn, ev server.Event[E]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[c.id] == c {
		e.emitLocked(ev)
	}
}

func (e *Engine[E]) emit(ev server.Event[E]) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.emitLocked(ev)
}

func (e *Engine[E]) emitLocked(ev server.Event[E]) {
	if e.state == stateStopped {
		return
	}
	e.queue.push(ev)
	e.logger.Log(log.FromServerEvent(e.cfg.Name, ev))
}
