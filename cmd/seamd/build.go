package main

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"go.uber.org/zap"

	"github.com/seamnet/seam/pkg/config"
	"github.com/seamnet/seam/pkg/hub"
	"github.com/seamnet/seam/pkg/log"
	"github.com/seamnet/seam/pkg/transport"
	"github.com/seamnet/seam/pkg/transport/quic"
	"github.com/seamnet/seam/pkg/transport/tcp"
	"github.com/seamnet/seam/pkg/transport/ws"
)

// endpoint is a configured transport registered with the hub.
type endpoint struct {
	Name string
	Kind string
	Path string
	ALPN string
	Addr func() net.Addr
}

// Port returns the bound port, or 0 before the transport listens.
func (e endpoint) Port() uint16 {
	addr := e.Addr()
	if addr == nil {
		return 0
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	n, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// buildSources creates every configured transport and adds it to h.
func buildSources(cfg *config.Config, tracer log.Logger, h *hub.Hub) ([]endpoint, error) {
	endpoints := make([]endpoint, 0, len(cfg.Transports))
	for _, tc := range cfg.Transports {
		ep, err := buildSource(tc, tracer, h)
		if err != nil {
			return nil, fmt.Errorf("transport %s: %w", tc.Name, err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func buildSource(tc config.TransportConfig, tracer log.Logger, h *hub.Hub) (endpoint, error) {
	ep := endpoint{Name: tc.Name, Kind: tc.Kind}

	var tlsCfg *transport.TLSConfig
	if tc.Secure() {
		var err error
		if tlsCfg, err = loadTLS(tc); err != nil {
			return ep, err
		}
		ep.ALPN = transport.ALPNProtocol
	}

	switch tc.Kind {
	case config.KindTCP, config.KindTLS:
		srv, err := tcp.New(tcp.Config{
			Name:           tc.Name,
			Address:        tc.Address,
			TLS:            tlsCfg,
			KeepAlive:      tc.KeepAlive,
			IdleTimeout:    tc.IdleTimeout,
			ReadBufferSize: tc.ReadBufferSize,
			SendQueueSize:  tc.SendQueueSize,
			Logger:         tracer,
		})
		if err != nil {
			return ep, err
		}
		ep.Addr = srv.Addr
		return ep, hub.Add(h, tc.Name, srv)

	case config.KindWS:
		srv := ws.New(ws.Config{
			Name:           tc.Name,
			Address:        tc.Address,
			Path:           tc.Path,
			MaxMessageSize: tc.MaxMessageSize,
			IdleTimeout:    tc.IdleTimeout,
			SendQueueSize:  tc.SendQueueSize,
			Logger:         tracer,
		})
		ep.Path = tc.Path
		ep.Addr = srv.Addr
		return ep, hub.Add(h, tc.Name, srv)

	case config.KindQUIC:
		srv, err := quic.New(quic.Config{
			Name:            tc.Name,
			Address:         tc.Address,
			TLS:             tlsCfg,
			KeepAlivePeriod: tc.KeepAlive,
			IdleTimeout:     tc.IdleTimeout,
			ReadBufferSize:  tc.ReadBufferSize,
			SendQueueSize:   tc.SendQueueSize,
			Logger:          tracer,
		})
		if err != nil {
			return ep, err
		}
		ep.Addr = srv.Addr
		return ep, hub.Add(h, tc.Name, srv)

	default:
		return ep, fmt.Errorf("unknown kind %q", tc.Kind)
	}
}

// loadTLS builds the server certificate settings of a secure transport.
func loadTLS(tc config.TransportConfig) (*transport.TLSConfig, error) {
	var cfg *transport.TLSConfig
	if tc.SelfSigned {
		cert, err := transport.SelfSignedCertificate()
		if err != nil {
			return nil, err
		}
		cfg = &transport.TLSConfig{Certificate: cert}
	} else {
		var err error
		if cfg, err = transport.LoadTLSConfig(tc.CertFile, tc.KeyFile); err != nil {
			return nil, err
		}
	}

	if tc.ClientCAFile != "" {
		pool, err := transport.LoadCertPool(tc.ClientCAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.RequireClientCert = true
	}
	return cfg, nil
}

// buildTracer combines the trace file and the zap mirror. The returned
// closer flushes the trace file.
func buildTracer(tc config.TraceConfig, logger *zap.Logger) (log.Logger, io.Closer, error) {
	var loggers []log.Logger
	var closer io.Closer = nopCloser{}

	if tc.File != "" {
		fl, err := log.NewFileLogger(tc.File)
		if err != nil {
			return nil, nil, err
		}
		loggers = append(loggers, fl)
		closer = fl
	}
	if tc.Zap {
		loggers = append(loggers, log.NewZapAdapter(logger.Named("trace")))
	}

	switch len(loggers) {
	case 0:
		return nil, closer, nil
	case 1:
		return loggers[0], closer, nil
	default:
		return log.NewMultiLogger(loggers...), closer, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
