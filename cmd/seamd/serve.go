package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/seamnet/seam/internal/observability"
	"github.com/seamnet/seam/pkg/config"
	"github.com/seamnet/seam/pkg/discovery"
	"github.com/seamnet/seam/pkg/hub"
)

// serveOptions are the command-line overrides of serve.
type serveOptions struct {
	ConfigPath   string
	Mode         string
	LogLevel     string
	Interactive  bool
	MaxFrameSize uint32
}

func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	lg, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer lg.Close()
	defer observability.Install(lg.Logger)()

	tracer, traceCloser, err := buildTracer(cfg.Trace, lg.Logger)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}
	defer traceCloser.Close()

	h := hub.New(hub.HubConfig{Logger: lg.Logger})
	endpoints, err := buildSources(cfg, tracer, h)
	if err != nil {
		return err
	}

	scfg := sessionConfig{
		Mode:         opts.Mode,
		MaxFrameSize: opts.MaxFrameSize,
		Logger:       lg.Logger,
		Host:         cfg.Discovery.Host,
		Endpoints:    endpoints,
	}
	if cfg.Discovery.Enabled {
		adv := discovery.NewAdvertiser(discovery.AdvertiserConfig{
			Interface: cfg.Discovery.Interface,
			TTL:       cfg.Discovery.TTL,
		})
		defer adv.StopAll()
		scfg.Advertiser = adv
	}
	sess, err := newSession(h, scfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Interactive {
		console, err := NewConsole(sess)
		if err != nil {
			return err
		}
		defer console.Close()
		defer lg.RedirectTerminal(console.Stdout())()
		go console.Run(ctx)
	}

	lg.Info("seamd starting",
		zap.Strings("sources", h.Sources()),
		zap.String("mode", sess.mode),
		zap.Bool("discovery", cfg.Discovery.Enabled))

	err = h.Run(ctx, sess.Handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		lg.Error("seamd stopped", zap.Error(err))
		return err
	}
	lg.Info("seamd stopped")
	return nil
}
