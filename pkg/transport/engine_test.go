package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/server"
)

const eventTimeout = 2 * time.Second

type testError struct {
	Op   string
	Conn server.ConnID
	Err  error
}

func (e testError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e testError) Unwrap() error { return e.Err }

func wrapTest(op string, id server.ConnID, err error) testError {
	return testError{Op: op, Conn: id, Err: err}
}

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func bindNop(context.Context) (io.Closer, error) { return nopCloser{}, nil }

// fakePeer is a Peer driven entirely by the test.
type fakePeer struct {
	reads    chan []byte
	readErr  chan error
	writes   chan []byte
	writeErr error
	closeErr error

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		reads:   make(chan []byte, 16),
		readErr: make(chan error, 1),
		writes:  make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (p *fakePeer) Read() ([]byte, error) {
	select {
	case b := <-p.reads:
		return b, nil
	case err := <-p.readErr:
		return nil, err
	case <-p.closed:
		return nil, net.ErrClosed
	}
}

func (p *fakePeer) Write(b []byte) error {
	if p.writeErr != nil {
		return p.writeErr
	}
	select {
	case p.writes <- append([]byte(nil), b...):
		return nil
	case <-p.closed:
		return net.ErrClosed
	}
}

func (p *fakePeer) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return p.closeErr
}

func (p *fakePeer) RemoteAddr() net.Addr { return fakeAddr("fake:1") }

type engineFixture struct {
	t      *testing.T
	engine *Engine[testError]
	events <-chan server.Event[testError]
}

func newEngineFixture(t *testing.T, cfg EngineConfig[testError]) *engineFixture {
	t.Helper()
	cfg.Wrap = wrapTest
	e := NewEngine(cfg)
	events, err := e.Observer()
	require.NoError(t, err)
	return &engineFixture{t: t, engine: e, events: events}
}

// listening returns a fixture whose engine has emitted Ready.
func listening(t *testing.T, cfg EngineConfig[testError]) *engineFixture {
	t.Helper()
	f := newEngineFixture(t, cfg)
	require.NoError(t, f.engine.Listen(context.Background(), bindNop))
	f.expect(server.KindReady)
	return f
}

func (f *engineFixture) next() server.Event[testError] {
	f.t.Helper()
	select {
	case ev, ok := <-f.events:
		if !ok {
			f.t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(eventTimeout):
		f.t.Fatal("timed out waiting for event")
	}
	return server.Event[testError]{}
}

func (f *engineFixture) expect(kind server.Kind) server.Event[testError] {
	f.t.Helper()
	ev := f.next()
	require.Equal(f.t, kind, ev.Kind, "got %s", ev)
	return ev
}

// connect serves peer and returns its id from the Connected event.
func (f *engineFixture) connect(peer Peer) server.ConnID {
	f.t.Helper()
	require.True(f.t, f.engine.Go(func(context.Context) { f.engine.Serve(peer) }))
	return f.expect(server.KindConnected).Conn
}

// shutdown stops the engine and checks that Shutdown is the final event.
func (f *engineFixture) shutdown() {
	f.t.Helper()
	require.NoError(f.t, f.engine.Control().Shutdown(context.Background()))
	for {
		ev := f.next()
		if ev.Kind == server.KindShutdown {
			break
		}
	}
	select {
	case _, ok := <-f.events:
		require.False(f.t, ok, "no events may follow Shutdown")
	case <-time.After(eventTimeout):
		f.t.Fatal("event channel not closed after Shutdown")
	}
	<-f.engine.Done()
}

func TestEngineLifecycle(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	ctl := f.engine.Control()

	peer := newFakePeer()
	id := f.connect(peer)
	assert.NotEqual(t, server.NoConn, id)
	assert.Equal(t, 1, f.engine.Len())

	peer.reads <- []byte("hello")
	ev := f.expect(server.KindReceived)
	assert.Equal(t, id, ev.Conn)
	assert.Equal(t, []byte("hello"), ev.Data)

	require.NoError(t, ctl.Send(context.Background(), []byte("ping"), id))
	select {
	case got := <-peer.writes:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(eventTimeout):
		t.Fatal("payload not written")
	}

	peer.readErr <- io.EOF
	ev = f.expect(server.KindDisconnected)
	assert.Equal(t, id, ev.Conn)
	assert.Zero(t, f.engine.Len())

	f.shutdown()
}

func TestEngineSendCopiesPayload(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	peer := newFakePeer()
	peer.writes = make(chan []byte)
	id := f.connect(peer)

	buf := []byte("abc")
	require.NoError(t, f.engine.Control().Send(context.Background(), buf, id))
	buf[0] = 'X'

	assert.Equal(t, []byte("abc"), <-peer.writes)
	f.shutdown()
}

func TestEngineListenTwice(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})

	err := f.engine.Listen(context.Background(), bindNop)
	require.ErrorIs(t, err, server.ErrAlreadyListening)
	var te testError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "listen", te.Op)

	f.shutdown()
}

func TestEngineListenBindFailure(t *testing.T) {
	f := newEngineFixture(t, EngineConfig[testError]{})
	bindErr := errors.New("address in use")

	err := f.engine.Listen(context.Background(), func(context.Context) (io.Closer, error) {
		return nil, bindErr
	})
	require.ErrorIs(t, err, bindErr)
	assert.False(t, f.engine.Running())

	// A failed bind leaves the engine idle, so listening may be retried.
	require.NoError(t, f.engine.Listen(context.Background(), bindNop))
	f.expect(server.KindReady)
	f.shutdown()
}

func TestEngineListenCanceledContext(t *testing.T) {
	f := newEngineFixture(t, EngineConfig[testError]{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.engine.Listen(ctx, bindNop)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, f.engine.Running())
}

func TestEngineObserverOnce(t *testing.T) {
	f := newEngineFixture(t, EngineConfig[testError]{})

	_, err := f.engine.Observer()
	assert.ErrorIs(t, err, server.ErrObserverTaken)
}

func TestEngineBuffersEventsBeforeObserver(t *testing.T) {
	e := NewEngine(EngineConfig[testError]{Wrap: wrapTest})
	require.NoError(t, e.Listen(context.Background(), bindNop))
	e.ReportServerError("accept", errors.New("boom"))

	events, err := e.Observer()
	require.NoError(t, err)
	assert.Equal(t, server.KindReady, (<-events).Kind)
	assert.Equal(t, server.KindServerError, (<-events).Kind)

	require.NoError(t, e.Control().Shutdown(context.Background()))
	assert.Equal(t, server.KindShutdown, (<-events).Kind)
	_, ok := <-events
	assert.False(t, ok)
}

func TestEngineShutdownBeforeListen(t *testing.T) {
	f := newEngineFixture(t, EngineConfig[testError]{})
	f.shutdown()

	err := f.engine.Listen(context.Background(), bindNop)
	assert.ErrorIs(t, err, server.ErrNotRunning)
}

func TestEngineCommandsAfterShutdown(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	ctl := f.engine.Control()
	f.shutdown()

	ctx := context.Background()
	assert.NoError(t, ctl.Shutdown(ctx), "Shutdown is idempotent")
	assert.ErrorIs(t, ctl.Send(ctx, []byte("x"), server.NoConn), server.ErrNotRunning)
	assert.ErrorIs(t, ctl.Disconnect(ctx, server.NewConnID()), server.ErrNotRunning)
	assert.ErrorIs(t, ctl.DisconnectAll(ctx), server.ErrNotRunning)
	assert.ErrorIs(t, f.engine.Listen(ctx, bindNop), server.ErrNotRunning)
	assert.False(t, f.engine.Go(func(context.Context) {}))
}

func TestEngineCanceledContextHasNoEffect(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	ctl := f.engine.Control()
	peer := newFakePeer()
	id := f.connect(peer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, ctl.Send(ctx, []byte("x"), id), context.Canceled)
	assert.ErrorIs(t, ctl.Disconnect(ctx, id), context.Canceled)
	assert.ErrorIs(t, ctl.DisconnectAll(ctx), context.Canceled)
	assert.ErrorIs(t, ctl.Shutdown(ctx), context.Canceled)

	assert.True(t, f.engine.Running())
	assert.Equal(t, 1, f.engine.Len())
	assert.Empty(t, peer.writes)

	f.shutdown()
}

func TestEngineUnknownConnection(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	ctl := f.engine.Control()
	unknown := server.NewConnID()

	err := ctl.Disconnect(context.Background(), unknown)
	require.ErrorIs(t, err, server.ErrUnknownConnection)
	var te testError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, unknown, te.Conn)

	assert.ErrorIs(t, ctl.Send(context.Background(), []byte("x"), unknown), server.ErrUnknownConnection)

	// Nothing was emitted: the next event is Shutdown.
	f.shutdown()
}

func TestEngineBroadcastWithoutPeers(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})

	require.NoError(t, f.engine.Control().Send(context.Background(), []byte("x"), server.NoConn))
	f.shutdown()
}

func TestEngineBroadcast(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	a, b := newFakePeer(), newFakePeer()
	f.connect(a)
	f.connect(b)

	require.NoError(t, f.engine.Control().Send(context.Background(), []byte("all"), server.NoConn))
	for _, p := range []*fakePeer{a, b} {
		select {
		case got := <-p.writes:
			assert.Equal(t, []byte("all"), got)
		case <-time.After(eventTimeout):
			t.Fatal("broadcast not written")
		}
	}
	f.shutdown()
}

func TestEngineDisconnect(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	id := f.connect(newFakePeer())

	require.NoError(t, f.engine.Control().Disconnect(context.Background(), id))
	ev := f.expect(server.KindDisconnected)
	assert.Equal(t, id, ev.Conn)

	assert.ErrorIs(t, f.engine.Control().Disconnect(context.Background(), id), server.ErrUnknownConnection)
	f.shutdown()
}

func TestEngineDisconnectAll(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	ids := map[server.ConnID]bool{
		f.connect(newFakePeer()): true,
		f.connect(newFakePeer()): true,
		f.connect(newFakePeer()): true,
	}

	require.NoError(t, f.engine.Control().DisconnectAll(context.Background()))
	for range ids {
		ev := f.expect(server.KindDisconnected)
		assert.True(t, ids[ev.Conn])
		delete(ids, ev.Conn)
	}
	assert.Zero(t, f.engine.Len())
	f.shutdown()
}

func TestEngineDisconnectAllReportsCloseFailure(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	peer := newFakePeer()
	peer.closeErr = errors.New("close failed")
	id := f.connect(peer)

	require.NoError(t, f.engine.Control().DisconnectAll(context.Background()))

	// The close failure races with the reader noticing the close; when it
	// wins it must precede Disconnected.
	ev := f.next()
	if ev.Kind == server.KindError {
		assert.Equal(t, id, ev.Conn)
		assert.Contains(t, ev.Message, "close failed")
		ev = f.next()
	}
	assert.Equal(t, server.KindDisconnected, ev.Kind)
	f.shutdown()
}

func TestEngineReadFailure(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	peer := newFakePeer()
	id := f.connect(peer)

	peer.readErr <- errors.New("connection reset")
	ev := f.expect(server.KindConnectionError)
	assert.Equal(t, id, ev.Conn)
	assert.Equal(t, "read", ev.Err.Op)
	assert.Equal(t, id, ev.Err.Conn)

	f.expect(server.KindDisconnected)
	f.shutdown()
}

func TestEngineWriteFailure(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	peer := newFakePeer()
	peer.writeErr = errors.New("broken pipe")
	id := f.connect(peer)

	require.NoError(t, f.engine.Control().Send(context.Background(), []byte("x"), id))
	ev := f.expect(server.KindConnectionError)
	assert.Equal(t, "write", ev.Err.Op)
	assert.Equal(t, id, ev.Conn)

	ev = f.expect(server.KindDisconnected)
	assert.Equal(t, id, ev.Conn)
	f.shutdown()
}

func TestEngineSendQueueFull(t *testing.T) {
	f := listening(t, EngineConfig[testError]{SendQueueSize: 1})
	peer := newFakePeer()
	peer.writes = make(chan []byte) // writes block until read
	id := f.connect(peer)
	ctl := f.engine.Control()

	var err error
	for i := 0; i < 10 && err == nil; i++ {
		err = ctl.Send(context.Background(), []byte("x"), id)
	}
	require.ErrorIs(t, err, server.ErrSendQueueFull)

	// Broadcast reports the full queue as an event instead.
	require.NoError(t, ctl.Send(context.Background(), []byte("y"), server.NoConn))
	ev := f.expect(server.KindError)
	assert.Equal(t, id, ev.Conn)
	assert.Contains(t, ev.Message, server.ErrSendQueueFull.Error())

	f.shutdown()
}

func TestEngineReportErrors(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})

	f.engine.ReportServerError("accept", errors.New("too many open files"))
	ev := f.expect(server.KindServerError)
	assert.Equal(t, "accept", ev.Err.Op)

	f.engine.ReportConnectionError("handshake", errors.New("bad certificate"))
	ev = f.expect(server.KindConnectionError)
	assert.False(t, ev.HasConn())
	assert.Equal(t, "handshake", ev.Err.Op)

	f.shutdown()
}

func TestEngineServeAfterShutdownClosesPeer(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	f.shutdown()

	peer := newFakePeer()
	f.engine.Serve(peer)
	select {
	case <-peer.closed:
	default:
		t.Fatal("peer should be closed")
	}
}

func TestEngineShutdownClosesConnections(t *testing.T) {
	var onShutdown bool
	f := listening(t, EngineConfig[testError]{OnShutdown: func() { onShutdown = true }})
	a := f.connect(newFakePeer())
	b := f.connect(newFakePeer())

	require.NoError(t, f.engine.Control().Shutdown(context.Background()))
	seen := map[server.ConnID]bool{}
	for {
		ev := f.next()
		if ev.Kind == server.KindShutdown {
			break
		}
		require.Equal(t, server.KindDisconnected, ev.Kind)
		seen[ev.Conn] = true
	}
	<-f.engine.Done()
	assert.True(t, seen[a])
	assert.True(t, seen[b])
	assert.True(t, onShutdown)
}

func TestEngineOnStoppedRunsAfterConnectionsClose(t *testing.T) {
	peer := newFakePeer()
	var peerClosedFirst bool
	stopped := make(chan struct{})
	f := listening(t, EngineConfig[testError]{OnStopped: func() {
		select {
		case <-peer.closed:
			peerClosedFirst = true
		default:
		}
		close(stopped)
	}})
	id := f.connect(peer)

	require.NoError(t, f.engine.Control().Shutdown(context.Background()))
	ev := f.next()
	assert.Equal(t, server.KindDisconnected, ev.Kind)
	assert.Equal(t, id, ev.Conn)
	assert.Equal(t, server.KindShutdown, f.next().Kind)

	select {
	case <-stopped:
	default:
		t.Fatal("OnStopped should run before Shutdown is emitted")
	}
	assert.True(t, peerClosedFirst)
}

func TestEngineAcceptLoop(t *testing.T) {
	f := listening(t, EngineConfig[testError]{})
	backoff := NewBackoff(BackoffConfig{Initial: time.Millisecond, Max: time.Millisecond})

	peer := newFakePeer()
	steps := make(chan func(context.Context) (func(context.Context), error), 3)
	steps <- func(context.Context) (func(context.Context), error) {
		return nil, errors.New("temporary")
	}
	steps <- func(context.Context) (func(context.Context), error) {
		return func(context.Context) { f.engine.Serve(peer) }, nil
	}
	steps <- func(context.Context) (func(context.Context), error) {
		return nil, net.ErrClosed
	}

	loopDone := make(chan struct{})
	f.engine.Go(func(ctx context.Context) {
		defer close(loopDone)
		f.engine.AcceptLoop(ctx, backoff, func(ctx context.Context) (func(context.Context), error) {
			return (<-steps)(ctx)
		})
	})

	ev := f.expect(server.KindServerError)
	assert.Equal(t, "accept", ev.Err.Op)
	f.expect(server.KindConnected)

	select {
	case <-loopDone:
	case <-time.After(eventTimeout):
		t.Fatal("accept loop did not stop on a closed listener")
	}
	assert.Zero(t, backoff.Attempts(), "successful accept resets the backoff")

	f.shutdown()
}

func TestEngineTracesEvents(t *testing.T) {
	rec := &traceRecorder{}
	f := listening(t, EngineConfig[testError]{Name: "fake", Logger: rec})
	peer := newFakePeer()
	id := f.connect(peer)

	require.NoError(t, f.engine.Control().Send(context.Background(), []byte("four"), id))
	<-peer.writes
	f.shutdown()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	kinds := make([]string, 0, len(rec.events))
	for _, ev := range rec.events {
		assert.Equal(t, "fake", ev.Transport)
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, log.KindWrite)
	assert.Equal(t, "Ready", kinds[0])
	assert.Equal(t, "Shutdown", kinds[len(kinds)-1])
}

type traceRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *traceRecorder) Log(ev log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestNewEngineRequiresWrap(t *testing.T) {
	assert.Panics(t, func() { NewEngine(EngineConfig[testError]{}) })
}

func TestZeroHandle(t *testing.T) {
	var h Handle[testError]
	ctx := context.Background()
	assert.ErrorIs(t, h.Shutdown(ctx), server.ErrNotRunning)
	assert.ErrorIs(t, h.Send(ctx, nil, server.NoConn), server.ErrNotRunning)
	assert.ErrorIs(t, h.Disconnect(ctx, server.NoConn), server.ErrNotRunning)
	assert.ErrorIs(t, h.DisconnectAll(ctx), server.ErrNotRunning)
}
