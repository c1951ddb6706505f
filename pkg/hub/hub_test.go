package hub

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/seamnet/seam/pkg/server"
	"github.com/seamnet/seam/pkg/server/servertest"
	"github.com/seamnet/seam/pkg/transport/mem"
)

// recorder collects envelopes and lets tests wait for a given one. Sources
// are not ordered relative to each other, so await searches everything seen
// so far rather than consuming envelopes in arrival order.
type recorder struct {
	mu      sync.Mutex
	seen    []Envelope
	claimed map[int]bool
	changed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{claimed: make(map[int]bool), changed: make(chan struct{})}
}

func (r *recorder) handle(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	close(r.changed)
	r.changed = make(chan struct{})
	return nil
}

// await returns the earliest unclaimed envelope of kind from source.
func (r *recorder) await(t *testing.T, source string, kind server.Kind) Envelope {
	t.Helper()
	timeout := time.After(servertest.DefaultTimeout)
	for {
		r.mu.Lock()
		for i, env := range r.seen {
			if !r.claimed[i] && env.Source == source && env.Kind == kind {
				r.claimed[i] = true
				r.mu.Unlock()
				return env
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-timeout:
			t.Fatalf("timed out waiting for %s from %s", kind, source)
		}
	}
}

func TestRecorderAwaitsAcrossSources(t *testing.T) {
	rec := newRecorder()
	idA, idB := server.NewConnID(), server.NewConnID()
	require.NoError(t, rec.handle(context.Background(), Envelope{Source: "b", Event: server.NewConnected[error](idB)}))
	require.NoError(t, rec.handle(context.Background(), Envelope{Source: "a", Event: server.NewConnected[error](idA)}))

	assert.Equal(t, idA, rec.await(t, "a", server.KindConnected).Conn)
	assert.Equal(t, idB, rec.await(t, "b", server.KindConnected).Conn)
}

func (r *recorder) bySource(source string) []server.Event[error] {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []server.Event[error]
	for _, env := range r.seen {
		if env.Source == source {
			out = append(out, env.Event)
		}
	}
	return out
}

func run(t *testing.T, h *Hub, handle Handler) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, handle) }()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(servertest.DefaultTimeout):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestRunMergesSources(t *testing.T) {
	a, b := mem.New(mem.Config{Name: "a"}), mem.New(mem.Config{Name: "b"})
	h := New(HubConfig{})
	require.NoError(t, Add(h, "a", a))
	require.NoError(t, Add(h, "b", b))
	assert.Equal(t, []string{"a", "b"}, h.Sources())

	rec := newRecorder()
	_, done := run(t, h, rec.handle)
	rec.await(t, "a", server.KindReady)
	rec.await(t, "b", server.KindReady)

	conn, err := b.Dial(context.Background())
	require.NoError(t, err)
	defer conn.Close()
	id := rec.await(t, "b", server.KindConnected).Conn

	_, err = conn.Write([]byte("hi"))
	require.NoError(t, err)
	env := rec.await(t, "b", server.KindReceived)
	assert.Equal(t, id, env.Conn)
	assert.Equal(t, []byte("hi"), env.Data)

	ctl, ok := h.Control("b")
	require.True(t, ok)
	require.NoError(t, ctl.Send(context.Background(), []byte("yo"), id))
	buf := make([]byte, 2)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "yo", string(buf))

	require.NoError(t, h.Shutdown(context.Background()))
	require.NoError(t, wait(t, done))

	for _, name := range []string{"a", "b"} {
		events := rec.bySource(name)
		assert.NoError(t, servertest.Check(events), name)
		assert.Equal(t, server.KindShutdown, events[len(events)-1].Kind, name)
	}
}

func TestRunContextCancel(t *testing.T) {
	h := New(HubConfig{})
	require.NoError(t, Add(h, "a", mem.New(mem.Config{})))

	rec := newRecorder()
	cancel, done := run(t, h, rec.handle)
	rec.await(t, "a", server.KindReady)

	cancel()
	require.NoError(t, wait(t, done))
	events := rec.bySource("a")
	assert.Equal(t, server.KindShutdown, events[len(events)-1].Kind)
}

func TestRunCanceledBeforeListen(t *testing.T) {
	h := New(HubConfig{})
	require.NoError(t, Add(h, "a", mem.New(mem.Config{})))
	require.NoError(t, Add(h, "b", mem.New(mem.Config{})))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := newRecorder()
	require.NoError(t, h.Run(ctx, rec.handle))

	for _, name := range []string{"a", "b"} {
		events := rec.bySource(name)
		require.NotEmpty(t, events, name)
		assert.Equal(t, server.KindShutdown, events[len(events)-1].Kind, name)
	}
}

// failingServer is a server whose Listen always fails.
type failingServer struct {
	*mem.Server
}

func (failingServer) Listen(context.Context) error {
	return mem.Error{Op: "listen", Err: errors.New("address in use")}
}

func TestRunListenFailure(t *testing.T) {
	good := mem.New(mem.Config{})
	h := New(HubConfig{})
	require.NoError(t, Add(h, "good", good))
	require.NoError(t, Add[mem.Error](h, "bad", failingServer{mem.New(mem.Config{})}))

	rec := newRecorder()
	_, done := run(t, h, rec.handle)

	err := wait(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen bad")

	// Both sources still complete their event streams.
	assert.Equal(t, server.KindShutdown, rec.bySource("good")[len(rec.bySource("good"))-1].Kind)
	assert.Equal(t, []server.Event[error]{server.NewShutdown[error]()}, rec.bySource("bad"))
}

func TestRunHandlerError(t *testing.T) {
	srv := mem.New(mem.Config{})
	h := New(HubConfig{})
	require.NoError(t, Add(h, "a", srv))

	boom := errors.New("boom")
	var dialed sync.Once
	_, done := run(t, h, func(_ context.Context, env Envelope) error {
		switch env.Kind {
		case server.KindReady:
			dialed.Do(func() {
				go func() {
					if c, err := srv.Dial(context.Background()); err == nil {
						defer c.Close()
						_, _ = c.Write([]byte("x"))
						_, _ = c.Read(make([]byte, 1))
					}
				}()
			})
		case server.KindReceived:
			return boom
		}
		return nil
	})

	err := wait(t, done)
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, srv.ConnectionCount())
}

func TestAddRejects(t *testing.T) {
	h := New(HubConfig{})
	srv := mem.New(mem.Config{})
	require.NoError(t, Add(h, "a", srv))

	err := Add(h, "a", mem.New(mem.Config{}))
	assert.ErrorIs(t, err, ErrDuplicateSource)

	err = Add(h, "again", srv)
	assert.ErrorIs(t, err, server.ErrObserverTaken)
	assert.Equal(t, []string{"a"}, h.Sources())

	_, ok := h.Control("missing")
	assert.False(t, ok)
}

func TestRunWithoutSources(t *testing.T) {
	err := New(HubConfig{}).Run(context.Background(), func(context.Context, Envelope) error { return nil })
	assert.ErrorIs(t, err, ErrNoSources)
}

func TestRunTwice(t *testing.T) {
	h := New(HubConfig{})
	require.NoError(t, Add(h, "a", mem.New(mem.Config{})))

	rec := newRecorder()
	cancel, done := run(t, h, rec.handle)
	rec.await(t, "a", server.KindReady)

	assert.ErrorIs(t, h.Run(context.Background(), rec.handle), ErrRunning)
	assert.ErrorIs(t, Add(h, "b", mem.New(mem.Config{})), ErrRunning)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestBroadcast(t *testing.T) {
	a, b := mem.New(mem.Config{}), mem.New(mem.Config{})
	h := New(HubConfig{})
	require.NoError(t, Add(h, "a", a))
	require.NoError(t, Add(h, "b", b))

	rec := newRecorder()
	cancel, done := run(t, h, rec.handle)
	rec.await(t, "a", server.KindReady)
	rec.await(t, "b", server.KindReady)

	// Dial b first; its Connected may reach the handler before a's.
	var conns []net.Conn
	for _, srv := range []*mem.Server{b, a} {
		c, err := srv.Dial(context.Background())
		require.NoError(t, err)
		defer c.Close()
		conns = append(conns, c)
	}
	rec.await(t, "a", server.KindConnected)
	rec.await(t, "b", server.KindConnected)

	require.NoError(t, h.Broadcast(context.Background(), []byte("all")))
	for _, c := range conns {
		buf := make([]byte, 3)
		_, err := c.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, "all", string(buf))
	}

	cancel()
	require.NoError(t, wait(t, done))
	assert.ErrorIs(t, h.Broadcast(context.Background(), []byte("late")), server.ErrNotRunning)
}

func TestLogsLifecycle(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	h := New(HubConfig{Logger: zap.New(core)})
	require.NoError(t, Add(h, "a", mem.New(mem.Config{})))

	rec := newRecorder()
	cancel, done := run(t, h, rec.handle)
	rec.await(t, "a", server.KindReady)
	cancel()
	require.NoError(t, wait(t, done))

	assert.Equal(t, 1, logs.FilterMessage("source Ready").Len())
	entries := logs.FilterMessage("source Shutdown").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ContextMap()["source"])
	assert.Equal(t, "hub", entries[0].LoggerName)
}
