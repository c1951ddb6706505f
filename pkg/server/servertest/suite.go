package servertest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamnet/seam/pkg/server"
)

// Target is a fresh, not yet listening server plus a way to reach it.
type Target[E server.Error, C server.Control] struct {
	Server server.Server[E, C]

	// Dial opens a client connection. It is only called after Listen has
	// succeeded. Writes on the returned stream must arrive as Received
	// bytes and Send payloads must be readable from it.
	Dial func(ctx context.Context) (io.ReadWriteCloser, error)
}

// Factory builds a Target for one subtest.
type Factory[E server.Error, C server.Control] func(t *testing.T) Target[E, C]

// Run executes the conformance suite against targets built by newTarget.
func Run[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	t.Run("Lifecycle", func(t *testing.T) { testLifecycle(t, newTarget) })
	t.Run("DisconnectUnknown", func(t *testing.T) { testDisconnectUnknown(t, newTarget) })
	t.Run("BroadcastWithoutPeers", func(t *testing.T) { testBroadcastWithoutPeers(t, newTarget) })
	t.Run("Disconnect", func(t *testing.T) { testDisconnect(t, newTarget) })
	t.Run("Broadcast", func(t *testing.T) { testBroadcast(t, newTarget) })
	t.Run("ListenTwice", func(t *testing.T) { testListenTwice(t, newTarget) })
	t.Run("ObserverTwice", func(t *testing.T) { testObserverTwice(t, newTarget) })
	t.Run("CommandsAfterShutdown", func(t *testing.T) { testCommandsAfterShutdown(t, newTarget) })
	t.Run("ShutdownClosesPeers", func(t *testing.T) { testShutdownClosesPeers(t, newTarget) })
	t.Run("ConcurrentControl", func(t *testing.T) { testConcurrentControl(t, newTarget) })
}

// session drives one listening target and records every observed event.
type session[E server.Error, C server.Control] struct {
	t      *testing.T
	target Target[E, C]
	ctl    C
	events <-chan server.Event[E]
	seen   []server.Event[E]
}

func start[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) *session[E, C] {
	t.Helper()
	target := newTarget(t)

	events, err := target.Server.Observer()
	require.NoError(t, err)
	s := &session[E, C]{t: t, target: target, ctl: target.Server.Control(), events: events}

	require.NoError(t, target.Server.Listen(context.Background()))
	s.expect(server.KindReady)
	return s
}

func (s *session[E, C]) next() server.Event[E] {
	s.t.Helper()
	ev := Next(s.t, s.events)
	s.seen = append(s.seen, ev)
	return ev
}

func (s *session[E, C]) expect(kind server.Kind) server.Event[E] {
	s.t.Helper()
	ev := s.next()
	require.Equal(s.t, kind, ev.Kind, "got %s", ev)
	return ev
}

// dial connects a client and returns it with its connection id.
func (s *session[E, C]) dial() (io.ReadWriteCloser, server.ConnID) {
	s.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()

	client, err := s.target.Dial(ctx)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { client.Close() })

	ev := s.expect(server.KindConnected)
	return client, ev.Conn
}

// receive collects Received events for id until want has arrived.
func (s *session[E, C]) receive(id server.ConnID, want []byte) {
	s.t.Helper()
	var got []byte
	for len(got) < len(want) {
		ev := s.expect(server.KindReceived)
		require.Equal(s.t, id, ev.Conn)
		got = append(got, ev.Data...)
	}
	assert.Equal(s.t, want, got)
}

// awaitDisconnected skips connection errors for id until Disconnected(id).
func (s *session[E, C]) awaitDisconnected(id server.ConnID) {
	s.t.Helper()
	for {
		ev := s.next()
		if ev.Kind == server.KindConnectionError && ev.Conn == id {
			continue
		}
		require.Equal(s.t, server.KindDisconnected, ev.Kind, "got %s", ev)
		require.Equal(s.t, id, ev.Conn)
		return
	}
}

// stop shuts the server down, drains the stream and checks the whole
// observed sequence.
func (s *session[E, C]) stop() {
	s.t.Helper()
	require.NoError(s.t, s.ctl.Shutdown(context.Background()))
	s.seen = append(s.seen, Drain(s.t, s.events)...)

	require.NotEmpty(s.t, s.seen)
	assert.Equal(s.t, server.KindShutdown, s.seen[len(s.seen)-1].Kind)
	assert.NoError(s.t, Check(s.seen))
}

// readFull reads len(want) bytes from client and compares them.
func readFull(t *testing.T, client io.Reader, want []byte) {
	t.Helper()
	type result struct {
		buf []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, len(want))
		_, err := io.ReadFull(client, buf)
		done <- result{buf, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, want, r.buf)
	case <-time.After(DefaultTimeout):
		t.Fatal("timed out reading from client")
	}
}

func testLifecycle[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)
	ctx := context.Background()

	client, id := s.dial()

	require.NoError(t, s.ctl.Send(ctx, []byte("ping"), id))
	readFull(t, client, []byte("ping"))

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)
	s.receive(id, []byte("hello"))

	require.NoError(t, client.Close())
	s.awaitDisconnected(id)

	// The id is invalid once Disconnected was observed.
	assert.ErrorIs(t, s.ctl.Send(ctx, []byte("late"), id), server.ErrUnknownConnection)

	s.stop()
}

func testDisconnectUnknown[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)

	err := s.ctl.Disconnect(context.Background(), server.NewConnID())
	assert.ErrorIs(t, err, server.ErrUnknownConnection)

	s.stop()
	assert.Len(t, s.seen, 2, "only Ready and Shutdown may be emitted")
}

func testBroadcastWithoutPeers[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)

	assert.NoError(t, s.ctl.Send(context.Background(), []byte("nobody"), server.NoConn))

	s.stop()
	assert.Len(t, s.seen, 2, "only Ready and Shutdown may be emitted")
}

func testDisconnect[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)
	_, id := s.dial()

	require.NoError(t, s.ctl.Disconnect(context.Background(), id))
	s.awaitDisconnected(id)

	assert.ErrorIs(t, s.ctl.Disconnect(context.Background(), id), server.ErrUnknownConnection)
	s.stop()
}

func testBroadcast[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)
	a, _ := s.dial()
	b, _ := s.dial()

	require.NoError(t, s.ctl.Send(context.Background(), []byte("to all"), server.NoConn))
	readFull(t, a, []byte("to all"))
	readFull(t, b, []byte("to all"))

	s.stop()
}

func testListenTwice[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)

	err := s.target.Server.Listen(context.Background())
	assert.ErrorIs(t, err, server.ErrAlreadyListening)

	s.stop()
	assert.Len(t, s.seen, 2, "a rejected Listen must not emit anything")
}

func testObserverTwice[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)

	_, err := s.target.Server.Observer()
	assert.ErrorIs(t, err, server.ErrObserverTaken)

	s.stop()
}

func testCommandsAfterShutdown[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)
	s.stop()

	ctx := context.Background()
	ctl := s.target.Server.Control()
	assert.NoError(t, ctl.Shutdown(ctx))
	assert.ErrorIs(t, ctl.Send(ctx, []byte("x"), server.NoConn), server.ErrNotRunning)
	assert.ErrorIs(t, ctl.DisconnectAll(ctx), server.ErrNotRunning)
	assert.ErrorIs(t, s.target.Server.Listen(ctx), server.ErrNotRunning)
}

func testShutdownClosesPeers[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)
	a, _ := s.dial()
	s.dial()

	s.stop()

	var disconnected int
	for _, ev := range s.seen {
		if ev.Kind == server.KindDisconnected {
			disconnected++
		}
	}
	assert.Equal(t, 2, disconnected)

	// The client observes the close.
	done := make(chan error, 1)
	go func() {
		_, err := a.Read(make([]byte, 1))
		done <- err
	}()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(DefaultTimeout):
		t.Fatal("client not closed by Shutdown")
	}
}

func testConcurrentControl[E server.Error, C server.Control](t *testing.T, newTarget Factory[E, C]) {
	s := start(t, newTarget)
	client, id := s.dial()

	const senders, perSender = 4, 8
	var wg sync.WaitGroup
	errs := make(chan error, senders*perSender)
	for i := 0; i < senders; i++ {
		ctl := s.target.Server.Control()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				errs <- ctl.Send(context.Background(), []byte{'x'}, id)
			}
		}()
	}
	wg.Wait()
	close(errs)

	var sent int
	for err := range errs {
		if err == nil {
			sent++
			continue
		}
		assert.True(t, errors.Is(err, server.ErrSendQueueFull), "unexpected error %v", err)
	}
	require.Positive(t, sent)
	want := make([]byte, sent)
	for i := range want {
		want[i] = 'x'
	}
	readFull(t, client, want)

	s.stop()
}
