// Package hub runs several seam servers behind one event loop.
//
// Each source keeps its own error type; the hub erases it so that a single
// handler can consume the merged stream. Events of one source reach the
// handler in the order that source emitted them. No order is defined across
// sources.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/seamnet/seam/pkg/server"
)

var (
	// ErrRunning is returned when sources are added to, or Run is called
	// on, a hub that is already running.
	ErrRunning = errors.New("hub already running")

	// ErrNoSources is returned by Run on a hub without sources.
	ErrNoSources = errors.New("hub has no sources")

	// ErrDuplicateSource is returned by Add for a name already in use.
	ErrDuplicateSource = errors.New("duplicate source name")
)

// Envelope is an event tagged with the name of the source that emitted it.
type Envelope struct {
	Source string
	server.Event[error]
}

// Handler consumes the merged event stream. It is called from a single
// goroutine. A non-nil return shuts every source down and Run returns the
// error.
type Handler func(ctx context.Context, env Envelope) error

// HubConfig configures a Hub.
type HubConfig struct {
	// Logger receives operational logs. Nil disables them.
	Logger *zap.Logger
}

type source struct {
	name    string
	listen  func(ctx context.Context) error
	forward func(emit func(server.Event[error]))
	control server.Control
}

// Hub supervises a set of named servers.
type Hub struct {
	log *zap.Logger

	mu      sync.Mutex
	sources []*source
	byName  map[string]*source
	running bool
}

// New creates an empty Hub.
func New(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		log:    logger.Named("hub"),
		byName: make(map[string]*source),
	}
}

// Add registers srv under name. It takes the server's observer, so srv
// must not have handed it out before.
func Add[E server.Error, C server.Control](h *Hub, name string, srv server.Server[E, C]) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return ErrRunning
	}
	if _, ok := h.byName[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateSource, name)
	}

	events, err := srv.Observer()
	if err != nil {
		return fmt.Errorf("source %q: %w", name, err)
	}

	s := &source{
		name:   name,
		listen: srv.Listen,
		forward: func(emit func(server.Event[error])) {
			for ev := range events {
				emit(ev.Erase())
			}
		},
		control: srv.Control(),
	}
	h.sources = append(h.sources, s)
	h.byName[name] = s
	return nil
}

// Sources returns the source names in the order they were added.
func (h *Hub) Sources() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, len(h.sources))
	for i, s := range h.sources {
		names[i] = s.name
	}
	return names
}

// Control returns the control handle of the named source.
func (h *Hub) Control(name string) (server.Control, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	s, ok := h.byName[name]
	if !ok {
		return nil, false
	}
	return s.control, true
}

// Broadcast sends payload to every connection of every source.
func (h *Hub) Broadcast(ctx context.Context, payload []byte) error {
	var errs []error
	for _, s := range h.snapshot() {
		if err := s.control.Send(ctx, payload, server.NoConn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown requests shutdown of every source. Run returns once all of them
// have emitted Shutdown.
func (h *Hub) Shutdown(ctx context.Context) error {
	var errs []error
	for _, s := range h.snapshot() {
		if err := s.control.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func (h *Hub) snapshot() []*source {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*source(nil), h.sources...)
}

// Run listens on every source in the order they were added and feeds the
// merged event stream to handle until every source has emitted Shutdown.
//
// Canceling ctx shuts all sources down, including ones not yet listening;
// Run then returns nil after the last Shutdown. A failed Listen or a handler
// error also shuts everything down, and Run returns that error.
func (h *Hub) Run(ctx context.Context, handle Handler) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrRunning
	}
	if len(h.sources) == 0 {
		h.mu.Unlock()
		return ErrNoSources
	}
	h.running = true
	sources := append([]*source(nil), h.sources...)
	h.mu.Unlock()

	merged := make(chan Envelope)
	dispatched := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	for _, s := range sources {
		g.Go(func() error {
			s.forward(func(ev server.Event[error]) {
				select {
				case merged <- Envelope{Source: s.name, Event: ev}:
				case <-dispatched:
					// Handler gone; drain until the source closes the channel.
				}
			})
			return nil
		})
	}

	g.Go(func() error {
		defer close(dispatched)
		for remaining := len(sources); remaining > 0; {
			env := <-merged
			h.logEvent(env)
			if env.Kind == server.KindShutdown {
				remaining--
			}
			if err := handle(ctx, env); err != nil {
				h.shutdownAll()
				return fmt.Errorf("handler: %w", err)
			}
		}
		return nil
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			h.shutdownAll()
		case <-dispatched:
		}
		return nil
	})

	g.Go(func() error {
		for _, s := range sources {
			if err := s.listen(gctx); err != nil {
				if ctx.Err() != nil {
					h.shutdownAll()
					return nil
				}
				h.log.Error("listen failed", zap.String("source", s.name), zap.Error(err))
				h.shutdownAll()
				return fmt.Errorf("listen %s: %w", s.name, err)
			}
		}
		return nil
	})

	return g.Wait()
}

func (h *Hub) shutdownAll() {
	if err := h.Shutdown(context.Background()); err != nil {
		h.log.Warn("shutdown failed", zap.Error(err))
	}
}

func (h *Hub) logEvent(env Envelope) {
	fields := []zap.Field{zap.String("source", env.Source), zap.Stringer("kind", env.Kind)}
	if env.HasConn() {
		fields = append(fields, zap.Stringer("conn_id", env.Conn))
	}

	switch env.Kind {
	case server.KindReady, server.KindShutdown:
		h.log.Info("source "+env.Kind.String(), fields...)
	case server.KindConnected, server.KindDisconnected:
		h.log.Debug("connection "+env.Kind.String(), fields...)
	case server.KindError:
		h.log.Warn(env.Message, fields...)
	case server.KindConnectionError, server.KindServerError:
		h.log.Warn("transport error", append(fields, zap.Error(env.Err))...)
	}
}
