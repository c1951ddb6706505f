// Package config provides YAML-based configuration loading for seamd.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. SEAM_LOG_LEVEL=debug.
const EnvPrefix = "SEAM"

// Transport kinds.
const (
	KindTCP  = "tcp"
	KindTLS  = "tls"
	KindWS   = "ws"
	KindQUIC = "quic"
)

// Config is the root configuration.
type Config struct {
	// Log holds operational logging configuration.
	Log LogConfig `mapstructure:"log" yaml:"log"`

	// Trace controls the protocol trace.
	Trace TraceConfig `mapstructure:"trace" yaml:"trace"`

	// Discovery controls mDNS advertisement of the transports.
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`

	// Transports lists the servers to run.
	Transports []TransportConfig `mapstructure:"transports" yaml:"transports"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" yaml:"level"`
	// Format: console or json
	Format string `mapstructure:"format" yaml:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs" yaml:"outputs"`
	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation" yaml:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development" yaml:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable" yaml:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days" yaml:"max_age_days"`
	Compress   bool `mapstructure:"compress" yaml:"compress"`
}

// TraceConfig controls the protocol trace.
type TraceConfig struct {
	// File receives CBOR trace records. Empty disables the file.
	File string `mapstructure:"file" yaml:"file"`
	// Zap mirrors trace records to the operational logger at debug level.
	Zap bool `mapstructure:"zap" yaml:"zap"`
}

// DiscoveryConfig controls mDNS advertisement.
type DiscoveryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Host is the instance name prefix. Empty uses the OS host name.
	Host string `mapstructure:"host" yaml:"host"`
	// Interface restricts mDNS to one interface.
	Interface string `mapstructure:"interface" yaml:"interface"`
	// TTL of the published records.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// TransportConfig describes one server.
// Example YAML:
//
//	transports:
//	  - name: plain
//	    kind: tcp
//	    address: ":7000"
//	  - name: web
//	    kind: ws
//	    address: ":7080"
//	    path: /seam
//	  - name: secure
//	    kind: quic
//	    address: ":7443"
//	    self_signed: true
type TransportConfig struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Kind    string `mapstructure:"kind" yaml:"kind"`
	Address string `mapstructure:"address" yaml:"address"`

	// Path is the WebSocket upgrade path.
	Path string `mapstructure:"path" yaml:"path,omitempty"`

	// CertFile and KeyFile hold the PEM certificate for tls and quic.
	CertFile string `mapstructure:"cert_file" yaml:"cert_file,omitempty"`
	KeyFile  string `mapstructure:"key_file" yaml:"key_file,omitempty"`
	// ClientCAFile enables mutual TLS.
	ClientCAFile string `mapstructure:"client_ca_file" yaml:"client_ca_file,omitempty"`
	// SelfSigned generates an ephemeral certificate instead of the files.
	SelfSigned bool `mapstructure:"self_signed" yaml:"self_signed,omitempty"`

	SendQueueSize  int           `mapstructure:"send_queue_size" yaml:"send_queue_size,omitempty"`
	ReadBufferSize int           `mapstructure:"read_buffer_size" yaml:"read_buffer_size,omitempty"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout,omitempty"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" yaml:"keep_alive,omitempty"`
	MaxMessageSize int64         `mapstructure:"max_message_size" yaml:"max_message_size,omitempty"`
}

// Secure reports whether the transport runs TLS.
func (t TransportConfig) Secure() bool {
	return t.Kind == KindTLS || t.Kind == KindQUIC
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stderr"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Discovery: DiscoveryConfig{TTL: 2 * time.Minute},
		Transports: []TransportConfig{
			{Name: "tcp", Kind: KindTCP, Address: ":7000"},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables override file values; `.` and `-`
// in keys become `_`, e.g. SEAM_LOG_LEVEL=debug. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed defaults so env-only configs work.
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)
	v.SetDefault("trace.file", cfg.Trace.File)
	v.SetDefault("trace.zap", cfg.Trace.Zap)
	v.SetDefault("discovery.enabled", cfg.Discovery.Enabled)
	v.SetDefault("discovery.host", cfg.Discovery.Host)
	v.SetDefault("discovery.interface", cfg.Discovery.Interface)
	v.SetDefault("discovery.ttl", cfg.Discovery.TTL)
	v.SetDefault("transports", cfg.Transports)

	if path == "" {
		if envPath := os.Getenv(EnvPrefix + "_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("seamd")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".seam"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Decode into a zero value; list elements would otherwise merge with the
	// defaults.
	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate normalizes the configuration and reports the first problem.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log.format: %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if len(c.Transports) == 0 {
		return errors.New("no transports configured")
	}
	names := make(map[string]bool, len(c.Transports))
	for i := range c.Transports {
		t := &c.Transports[i]
		t.Kind = strings.ToLower(strings.TrimSpace(t.Kind))
		if t.Name == "" {
			t.Name = t.Kind
		}
		if names[t.Name] {
			return fmt.Errorf("transports[%d]: duplicate name %q", i, t.Name)
		}
		names[t.Name] = true

		if err := t.validate(); err != nil {
			return fmt.Errorf("transports[%d] (%s): %w", i, t.Name, err)
		}
	}
	return nil
}

func (t *TransportConfig) validate() error {
	switch t.Kind {
	case KindTCP, KindTLS, KindWS, KindQUIC:
	default:
		return fmt.Errorf("unknown kind %q", t.Kind)
	}
	if t.Address == "" {
		return errors.New("address is required")
	}
	if t.Kind == KindWS {
		if t.Path == "" {
			t.Path = "/"
		}
		if !strings.HasPrefix(t.Path, "/") {
			return fmt.Errorf("path %q must start with /", t.Path)
		}
	}
	if t.Secure() && !t.SelfSigned && (t.CertFile == "" || t.KeyFile == "") {
		return errors.New("cert_file and key_file are required (or self_signed)")
	}
	if t.SendQueueSize < 0 || t.ReadBufferSize < 0 || t.MaxMessageSize < 0 {
		return errors.New("sizes must not be negative")
	}
	if t.IdleTimeout < 0 {
		return errors.New("idle_timeout must not be negative")
	}
	return nil
}

// WriteFile writes cfg as YAML to path, creating parent directories.
func WriteFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
