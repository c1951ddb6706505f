package transport

import (
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// DefaultReadBufferSize is the read chunk size used by StreamPeer.
const DefaultReadBufferSize = 32 * 1024

// Peer is one accepted connection as seen by the engine.
//
// Read returns the next chunk of bytes exactly as read from the network.
// Read and Write are each called from a single goroutine, but concurrently
// with each other. Close must unblock a pending Read.
type Peer interface {
	Read() ([]byte, error)
	Write(p []byte) error
	Close() error
	RemoteAddr() net.Addr
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// StreamPeer adapts a byte stream (TCP, TLS, net.Pipe, a QUIC stream) to Peer.
type StreamPeer struct {
	rwc         io.ReadWriteCloser
	remote      net.Addr
	buf         []byte
	idleTimeout time.Duration

	// pending holds an error returned together with data, reported on the
	// following Read.
	pending error
}

// NewStreamPeer creates a StreamPeer. A bufSize of zero selects
// DefaultReadBufferSize. A positive idleTimeout fails a Read that sees no
// data for that long, if the stream supports read deadlines.
func NewStreamPeer(rwc io.ReadWriteCloser, remote net.Addr, bufSize int, idleTimeout time.Duration) *StreamPeer {
	if bufSize <= 0 {
		bufSize = DefaultReadBufferSize
	}
	return &StreamPeer{
		rwc:         rwc,
		remote:      remote,
		buf:         make([]byte, bufSize),
		idleTimeout: idleTimeout,
	}
}

// Read returns a copy of the next chunk read from the stream.
func (p *StreamPeer) Read() ([]byte, error) {
	if p.pending != nil {
		err := p.pending
		p.pending = nil
		return nil, err
	}

	if p.idleTimeout > 0 {
		if d, ok := p.rwc.(readDeadliner); ok {
			if err := d.SetReadDeadline(time.Now().Add(p.idleTimeout)); err != nil {
				return nil, err
			}
		}
	}

	for {
		n, err := p.rwc.Read(p.buf)
		if n > 0 {
			p.pending = err
			out := make([]byte, n)
			copy(out, p.buf[:n])
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// Write writes p to the stream in full.
func (p *StreamPeer) Write(b []byte) error {
	_, err := p.rwc.Write(b)
	return err
}

// Close closes the underlying stream.
func (p *StreamPeer) Close() error {
	return p.rwc.Close()
}

// RemoteAddr returns the peer address given at construction.
func (p *StreamPeer) RemoteAddr() net.Addr {
	return p.remote
}

// IsClosed reports whether err signals an orderly end of a connection rather
// than a failure: end of stream, or use of a connection that was closed
// locally.
func IsClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}

var _ Peer = (*StreamPeer)(nil)
