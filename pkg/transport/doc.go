// Package transport provides the engine shared by every seam transport.
//
// A concrete transport (tcp, ws, quic, mem) owns only its listener and its
// notion of a connection. Everything behind the server contract lives in
// the Engine:
//   - the connection table and ConnID assignment
//   - an unbounded FIFO event queue feeding the observer channel
//   - one reader and one writer goroutine per connection
//   - the Control handle (Send, Disconnect, DisconnectAll, Shutdown)
//   - accept-loop backoff
//
// # Event Ordering
//
// Every event that names a connection is emitted under the same lock that
// checks the connection is still registered. Connected is emitted on
// registration and Disconnected on removal, so per-connection events always
// fall between the two. Shutdown is emitted only after every tracked
// goroutine has returned, and the observer channel is closed right after it.
//
// # Writing a Transport
//
//	func (s *Server) Listen(ctx context.Context) error {
//		err := s.engine.Listen(ctx, func(ctx context.Context) (io.Closer, error) {
//			ln, err := net.Listen("tcp", s.addr)
//			s.ln = ln
//			return ln, err
//		})
//		if err != nil {
//			return err
//		}
//		s.engine.Go(func(ctx context.Context) {
//			s.engine.AcceptLoop(ctx, s.backoff, s.accept)
//		})
//		return nil
//	}
//
// The accept function returns a handler that performs any handshake and
// then calls Engine.Serve with a Peer. Handshake failures are reported with
// ReportConnectionError.
//
// # TLS
//
// TLS listeners are TLS 1.3 only. NewServerTLSConfig builds the server
// configuration; SelfSignedCertificate is available for development and
// tests.
package transport
