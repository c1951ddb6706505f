// Package observability builds the operational logger for seamd.
package observability

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/seamnet/seam/pkg/config"
)

// Logger is the configured logger plus the cleanup for its file outputs.
type Logger struct {
	*zap.Logger
	closers   []func() error
	terminals []*terminal
}

// Close flushes the logger and closes file outputs.
func (l *Logger) Close() error {
	if l.Logger != nil {
		_ = l.Sync()
	}
	var firstErr error
	for _, c := range l.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.closers = nil
	return firstErr
}

// RedirectTerminal sends the stdout and stderr outputs to w, typically an
// interactive prompt's writer. The returned func restores them.
func (l *Logger) RedirectTerminal(w io.Writer) func() {
	prev := make([]io.Writer, len(l.terminals))
	for i, t := range l.terminals {
		prev[i] = t.swap(w)
	}
	return func() {
		for i, t := range l.terminals {
			t.swap(prev[i])
		}
	}
}

// terminal is a stdout or stderr output whose destination can be swapped.
type terminal struct {
	mu sync.Mutex
	w  io.Writer
}

func (t *terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Write(p)
}

func (t *terminal) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.w.(interface{ Sync() error }); ok {
		return s.Sync()
	}
	return nil
}

func (t *terminal) swap(w io.Writer) io.Writer {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.w
	t.w = w
	return prev
}

// ParseLevel maps a config level name to a zap level.
func ParseLevel(name string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn", "warning":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", name)
	}
}

// SetupLogger builds a logger from c. Outputs are stdout, stderr, or file
// paths; file outputs rotate through lumberjack when rotation is enabled.
// The caller should defer Close.
func SetupLogger(c config.LogConfig) (*Logger, error) {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	encCfg := encoderConfig(c.Development)
	var encoder zapcore.Encoder
	if strings.ToLower(c.Format) == "json" {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	l := &Logger{}
	outputs := c.Outputs
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	var cores []zapcore.Core
	for _, out := range outputs {
		var ws zapcore.WriteSyncer
		var closer func() error
		switch strings.ToLower(out) {
		case "stdout", "stderr":
			t := &terminal{w: os.Stdout}
			if strings.ToLower(out) == "stderr" {
				t.w = os.Stderr
			}
			l.terminals = append(l.terminals, t)
			ws = t
		default:
			ws, closer, err = fileSink(out, c.Rotation)
		}
		if err != nil {
			_ = l.Close()
			return nil, err
		}
		if closer != nil {
			l.closers = append(l.closers, closer)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, level))
	}

	opts := []zap.Option{
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	}
	if c.Development {
		opts = append(opts, zap.Development())
	}

	l.Logger = zap.New(zapcore.NewTee(cores...), opts...)
	return l, nil
}

// Install makes l the global zap logger and redirects the stdlib log
// package. The returned func restores both.
func Install(l *zap.Logger) func() {
	undoGlobals := zap.ReplaceGlobals(l)
	undoStd := zap.RedirectStdLog(l)
	return func() {
		undoStd()
		undoGlobals()
	}
}

func fileSink(out string, rot config.RotationConfig) (zapcore.WriteSyncer, func() error, error) {
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	if rot.Enable {
		lj := &lumberjack.Logger{
			Filename:   out,
			MaxSize:    max(rot.MaxSizeMB, 1),
			MaxBackups: rot.MaxBackups,
			MaxAge:     rot.MaxAgeDays,
			Compress:   rot.Compress,
		}
		return zapcore.AddSync(lj), lj.Close, nil
	}

	f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return zapcore.Lock(f), f.Close, nil
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
