package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/seamnet/seam/pkg/discovery"
	"github.com/seamnet/seam/pkg/framing"
	"github.com/seamnet/seam/pkg/hub"
	"github.com/seamnet/seam/pkg/server"
)

// Handler modes of the serve command.
const (
	ModeLog        = "log"
	ModeEcho       = "echo"
	ModeFramedEcho = "framed-echo"
)

var (
	errUnknownConn   = errors.New("unknown connection")
	errAmbiguousConn = errors.New("ambiguous connection id")
	errUnknownSource = errors.New("unknown source")
)

// controller is the part of the hub the session drives.
type controller interface {
	Sources() []string
	Control(name string) (server.Control, bool)
	Broadcast(ctx context.Context, payload []byte) error
	Shutdown(ctx context.Context) error
}

// advertiser publishes and withdraws endpoints.
type advertiser interface {
	Advertise(ctx context.Context, info *discovery.Info) error
	Stop(name string) error
}

// connInfo describes a live connection.
type connInfo struct {
	ID       server.ConnID
	Source   string
	Since    time.Time
	Received int
}

// session consumes the hub's event stream. It tracks live connections for
// the console, answers payloads according to the mode and keeps the mDNS
// advertisements in step with the sources.
type session struct {
	mode  string
	hub   controller
	log   *zap.Logger
	reasm *framing.Reassembler

	adv       advertiser
	host      string
	endpoints map[string]endpoint

	mu    sync.Mutex
	conns map[server.ConnID]*connInfo
}

type sessionConfig struct {
	Mode         string
	MaxFrameSize uint32
	Logger       *zap.Logger

	// Advertiser is nil when discovery is disabled.
	Advertiser advertiser
	Host       string
	Endpoints  []endpoint
}

func newSession(h controller, cfg sessionConfig) (*session, error) {
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeLog
	case ModeLog, ModeEcho, ModeFramedEcho:
	default:
		return nil, fmt.Errorf("unknown mode %q (valid: %s, %s, %s)", cfg.Mode, ModeLog, ModeEcho, ModeFramedEcho)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	host := cfg.Host
	if host == "" {
		host, _ = os.Hostname()
	}

	s := &session{
		mode:      cfg.Mode,
		hub:       h,
		log:       logger.Named("session"),
		adv:       cfg.Advertiser,
		host:      host,
		endpoints: make(map[string]endpoint, len(cfg.Endpoints)),
		conns:     make(map[server.ConnID]*connInfo),
	}
	if cfg.Mode == ModeFramedEcho {
		s.reasm = framing.NewReassembler(cfg.MaxFrameSize)
	}
	for _, ep := range cfg.Endpoints {
		s.endpoints[ep.Name] = ep
	}
	return s, nil
}

// Handle is the hub handler.
func (s *session) Handle(ctx context.Context, env hub.Envelope) error {
	switch env.Kind {
	case server.KindReady:
		s.advertise(ctx, env.Source)
	case server.KindShutdown:
		s.withdraw(env.Source)
	case server.KindConnected:
		s.mu.Lock()
		s.conns[env.Conn] = &connInfo{ID: env.Conn, Source: env.Source, Since: time.Now()}
		s.mu.Unlock()
	case server.KindDisconnected:
		s.mu.Lock()
		delete(s.conns, env.Conn)
		s.mu.Unlock()
		if s.reasm != nil {
			if err := s.reasm.Forget(env.Conn); err != nil {
				s.log.Debug("connection closed mid-frame", zap.Stringer("conn_id", env.Conn), zap.Error(err))
			}
		}
	case server.KindReceived:
		s.received(ctx, env)
	}
	return nil
}

func (s *session) received(ctx context.Context, env hub.Envelope) {
	s.mu.Lock()
	if c, ok := s.conns[env.Conn]; ok {
		c.Received += len(env.Data)
	}
	s.mu.Unlock()

	switch s.mode {
	case ModeLog:
		s.log.Info("received",
			zap.String("source", env.Source),
			zap.Stringer("conn_id", env.Conn),
			zap.Int("size", len(env.Data)))

	case ModeEcho:
		s.reply(ctx, env.Source, env.Conn, env.Data)

	case ModeFramedEcho:
		frames, err := s.reasm.Feed(env.Conn, env.Data)
		for _, frame := range frames {
			out, encErr := framing.Encode(frame)
			if encErr != nil {
				s.log.Warn("encode frame", zap.Stringer("conn_id", env.Conn), zap.Error(encErr))
				continue
			}
			s.reply(ctx, env.Source, env.Conn, out)
		}
		if err != nil {
			s.log.Warn("bad frame, disconnecting", zap.String("source", env.Source), zap.Stringer("conn_id", env.Conn), zap.Error(err))
			if ctl, ok := s.hub.Control(env.Source); ok {
				if err := ctl.Disconnect(ctx, env.Conn); err != nil {
					s.log.Debug("disconnect", zap.Stringer("conn_id", env.Conn), zap.Error(err))
				}
			}
		}
	}
}

func (s *session) reply(ctx context.Context, source string, id server.ConnID, payload []byte) {
	ctl, ok := s.hub.Control(source)
	if !ok {
		return
	}
	if err := ctl.Send(ctx, payload, id); err != nil {
		s.log.Warn("reply failed", zap.String("source", source), zap.Stringer("conn_id", id), zap.Error(err))
	}
}

func (s *session) advertise(ctx context.Context, source string) {
	if s.adv == nil {
		return
	}
	ep, ok := s.endpoints[source]
	if !ok {
		return
	}
	info := &discovery.Info{
		Name: discovery.InstanceName(s.host, ep.Name),
		Kind: ep.Kind,
		Port: ep.Port(),
		Path: ep.Path,
		ALPN: ep.ALPN,
	}
	if err := s.adv.Advertise(ctx, info); err != nil {
		s.log.Warn("advertise failed", zap.String("source", source), zap.Error(err))
		return
	}
	s.log.Info("advertised", zap.String("source", source), zap.String("instance", info.Name), zap.Uint16("port", info.Port))
}

func (s *session) withdraw(source string) {
	if s.adv == nil {
		return
	}
	if _, ok := s.endpoints[source]; !ok {
		return
	}
	err := s.adv.Stop(discovery.InstanceName(s.host, source))
	if err != nil && !errors.Is(err, discovery.ErrNotFound) {
		s.log.Warn("withdraw failed", zap.String("source", source), zap.Error(err))
	}
}

// Conns returns the live connections, oldest first.
func (s *session) Conns() []connInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]connInfo, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Resolve finds a live connection by full id or unique prefix.
func (s *session) Resolve(prefix string) (connInfo, error) {
	prefix = strings.ToLower(strings.TrimSpace(prefix))
	if prefix == "" {
		return connInfo{}, errUnknownConn
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var found *connInfo
	for id, c := range s.conns {
		if !strings.HasPrefix(id.String(), prefix) {
			continue
		}
		if found != nil {
			return connInfo{}, fmt.Errorf("%w: %s", errAmbiguousConn, prefix)
		}
		found = c
	}
	if found == nil {
		return connInfo{}, fmt.Errorf("%w: %s", errUnknownConn, prefix)
	}
	return *found, nil
}

// Send sends payload to the connection matching prefix.
func (s *session) Send(ctx context.Context, prefix string, payload []byte) error {
	c, err := s.Resolve(prefix)
	if err != nil {
		return err
	}
	ctl, err := s.control(c.Source)
	if err != nil {
		return err
	}
	return ctl.Send(ctx, payload, c.ID)
}

// Kick disconnects the connection matching prefix.
func (s *session) Kick(ctx context.Context, prefix string) error {
	c, err := s.Resolve(prefix)
	if err != nil {
		return err
	}
	ctl, err := s.control(c.Source)
	if err != nil {
		return err
	}
	return ctl.Disconnect(ctx, c.ID)
}

// KickAll disconnects every peer of source, or of every source when source
// is empty.
func (s *session) KickAll(ctx context.Context, source string) error {
	names := []string{source}
	if source == "" {
		names = s.hub.Sources()
	}
	var errs []error
	for _, name := range names {
		ctl, err := s.control(name)
		if err != nil {
			return err
		}
		if err := ctl.DisconnectAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Broadcast sends payload to every peer of every source.
func (s *session) Broadcast(ctx context.Context, payload []byte) error {
	return s.hub.Broadcast(ctx, payload)
}

// Shutdown stops every source.
func (s *session) Shutdown(ctx context.Context) error {
	return s.hub.Shutdown(ctx)
}

func (s *session) control(source string) (server.Control, error) {
	ctl, ok := s.hub.Control(source)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errUnknownSource, source)
	}
	return ctl, nil
}
