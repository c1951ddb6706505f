package quic

import (
	"context"
	"crypto/x509"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	quicgo "github.com/quic-go/quic-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seamnet/seam/pkg/server"
	"github.com/seamnet/seam/pkg/server/servertest"
	"github.com/seamnet/seam/pkg/transport"
)

// client is the dialing side of a connection: it writes on its own
// unidirectional stream and reads from the one the server opens.
type client struct {
	conn quicgo.Connection
	send quicgo.SendStream
	recv quicgo.ReceiveStream
}

func dial(ctx context.Context, t *testing.T, srv *Server, roots *x509.CertPool, protos ...string) (*client, error) {
	t.Helper()
	conn, err := quicgo.DialAddr(ctx, srv.Addr().String(), transport.NewClientTLSConfig(roots, "localhost", protos...), nil)
	if err != nil {
		return nil, err
	}
	send, err := conn.OpenUniStream()
	if err != nil {
		conn.CloseWithError(CodeNormal, "")
		return nil, err
	}
	return &client{conn: conn, send: send}, nil
}

func (c *client) Read(p []byte) (int, error) {
	if c.recv == nil {
		recv, err := c.conn.AcceptUniStream(c.conn.Context())
		if err != nil {
			return 0, err
		}
		c.recv = recv
	}
	return c.recv.Read(p)
}

func (c *client) Write(p []byte) (int, error) {
	return c.send.Write(p)
}

func (c *client) Close() error {
	return c.conn.CloseWithError(CodeNormal, "")
}

func testCertificate(t *testing.T) (*transport.TLSConfig, *x509.CertPool) {
	t.Helper()
	cert, err := transport.SelfSignedCertificate()
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)
	return &transport.TLSConfig{Certificate: cert}, roots
}

func TestConformance(t *testing.T) {
	tlsCfg, roots := testCertificate(t)

	servertest.Run(t, func(t *testing.T) servertest.Target[Error, transport.Handle[Error]] {
		srv, err := New(Config{Address: "127.0.0.1:0", TLS: tlsCfg})
		require.NoError(t, err)
		return servertest.Target[Error, transport.Handle[Error]]{
			Server: srv,
			Dial: func(ctx context.Context) (io.ReadWriteCloser, error) {
				return dial(ctx, t, srv, roots)
			},
		}
	})
}

func startServer(t *testing.T, cfg Config) (*Server, <-chan server.Event[Error]) {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	srv, err := New(cfg)
	require.NoError(t, err)
	events, err := srv.Observer()
	require.NoError(t, err)
	require.NoError(t, srv.Listen(context.Background()))
	servertest.Expect(t, events, server.KindReady)
	return srv, events
}

func stopServer(t *testing.T, srv *Server, events <-chan server.Event[Error]) []server.Event[Error] {
	t.Helper()
	require.NoError(t, srv.Control().Shutdown(context.Background()))
	return servertest.Drain(t, events)
}

func TestNewRequiresTLS(t *testing.T) {
	_, err := New(Config{Address: "127.0.0.1:0"})
	assert.Error(t, err)

	_, err = New(Config{TLS: &transport.TLSConfig{}})
	assert.Error(t, err)
}

func TestALPNMismatch(t *testing.T) {
	tlsCfg, roots := testCertificate(t)
	srv, events := startServer(t, Config{TLS: tlsCfg})

	ctx, cancel := context.WithTimeout(context.Background(), servertest.DefaultTimeout)
	defer cancel()
	_, err := dial(ctx, t, srv, roots, "other/1")
	require.Error(t, err)

	for _, ev := range stopServer(t, srv, events) {
		assert.NotEqual(t, server.KindConnected, ev.Kind)
	}
}

func TestClientFinishesStream(t *testing.T) {
	tlsCfg, roots := testCertificate(t)
	srv, events := startServer(t, Config{TLS: tlsCfg})

	c, err := dial(context.Background(), t, srv, roots)
	require.NoError(t, err)
	defer c.Close()
	id := servertest.Expect(t, events, server.KindConnected).Conn

	_, err = c.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, c.send.Close())

	var got []byte
	for len(got) < len("last words") {
		ev := servertest.Expect(t, events, server.KindReceived)
		got = append(got, ev.Data...)
	}
	assert.Equal(t, "last words", string(got))
	assert.Equal(t, id, servertest.Expect(t, events, server.KindDisconnected).Conn)

	stopServer(t, srv, events)
}

func TestIdleTimeoutBeforeFirstStream(t *testing.T) {
	tlsCfg, roots := testCertificate(t)
	srv, events := startServer(t, Config{TLS: tlsCfg, IdleTimeout: 50 * time.Millisecond})

	c, err := dial(context.Background(), t, srv, roots)
	require.NoError(t, err)
	defer c.Close()
	id := servertest.Expect(t, events, server.KindConnected).Conn

	ev := servertest.Expect(t, events, server.KindConnectionError)
	assert.Equal(t, id, ev.Conn)
	assert.ErrorIs(t, ev.Err, os.ErrDeadlineExceeded)
	assert.Equal(t, id, servertest.Expect(t, events, server.KindDisconnected).Conn)

	stopServer(t, srv, events)
}

func TestCloseErrorMapping(t *testing.T) {
	assert.ErrorIs(t, closeError(&quicgo.ApplicationError{Remote: true, ErrorCode: CodeNormal}), io.EOF)

	refused := &quicgo.ApplicationError{Remote: true, ErrorCode: CodeRefused}
	assert.Same(t, refused, closeError(refused))

	other := errors.New("boom")
	assert.Equal(t, other, closeError(other))
	assert.NoError(t, closeError(nil))
}

func TestErrorRendering(t *testing.T) {
	id := server.NewConnID()
	assert.Equal(t, "quic read "+id.String()+": boom", Error{Op: "read", Conn: id, Err: errors.New("boom")}.Error())
	assert.Equal(t, "quic accept: boom", Error{Op: "accept", Err: errors.New("boom")}.Error())
}

func TestAddrBeforeListen(t *testing.T) {
	tlsCfg, _ := testCertificate(t)
	srv, err := New(Config{TLS: tlsCfg})
	require.NoError(t, err)
	assert.Nil(t, srv.Addr())
	assert.Equal(t, "quic", srv.cfg.Name)
	assert.Equal(t, DefaultMaxIdleTimeout, srv.quicConf.MaxIdleTimeout)
}

func TestShutdownReachesClient(t *testing.T) {
	tlsCfg, roots := testCertificate(t)
	srv, events := startServer(t, Config{TLS: tlsCfg})

	c, err := dial(context.Background(), t, srv, roots)
	require.NoError(t, err)
	defer c.Close()
	servertest.Expect(t, events, server.KindConnected)

	stopServer(t, srv, events)

	select {
	case <-c.conn.Context().Done():
		var appErr *quicgo.ApplicationError
		require.ErrorAs(t, context.Cause(c.conn.Context()), &appErr)
		assert.Equal(t, CodeNormal, appErr.ErrorCode)
		assert.True(t, appErr.Remote)
	case <-time.After(servertest.DefaultTimeout):
		t.Fatal("client connection still open after Shutdown")
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Nil(t, srv.tr)
	assert.Nil(t, srv.udp)
}
