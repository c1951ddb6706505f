package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Transports, 1)
	assert.Equal(t, KindTCP, cfg.Transports[0].Kind)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(EnvPrefix+"_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestWriteFileLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "seamd.yaml")

	want := Default()
	want.Log.Level = "debug"
	want.Trace = TraceConfig{File: "/tmp/seam.trace", Zap: true}
	want.Discovery = DiscoveryConfig{Enabled: true, Host: "lab", TTL: 90 * time.Second}
	want.Transports = []TransportConfig{
		{Name: "plain", Kind: KindTCP, Address: ":7000", IdleTimeout: 30 * time.Second, KeepAlive: 15 * time.Second},
		{Name: "web", Kind: KindWS, Address: ":7080", Path: "/seam", MaxMessageSize: 1 << 20},
		{Name: "secure", Kind: KindQUIC, Address: ":7443", SelfSigned: true, SendQueueSize: 128},
	}
	require.NoError(t, WriteFile(path, want))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "idle_timeout: 30s")

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestLoadEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seamd.yaml")
	require.NoError(t, WriteFile(path, Default()))

	t.Setenv("SEAM_LOG_LEVEL", "warn")
	t.Setenv("SEAM_DISCOVERY_ENABLED", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Discovery.Enabled)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log: [unterminated"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "read config")
	})

	t.Run("invalid level", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "level.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0o644))
		_, err := Load(path)
		assert.ErrorContains(t, err, "log.level")
	})
}

func TestValidateTransports(t *testing.T) {
	tests := []struct {
		name       string
		transports []TransportConfig
		wantErr    string
	}{
		{"none", nil, "no transports"},
		{"unknown kind", []TransportConfig{{Kind: "udp", Address: ":1"}}, "unknown kind"},
		{"missing address", []TransportConfig{{Kind: KindTCP}}, "address is required"},
		{"duplicate name", []TransportConfig{{Kind: KindTCP, Address: ":1"}, {Kind: KindTCP, Address: ":2"}}, "duplicate name"},
		{"tls without cert", []TransportConfig{{Kind: KindTLS, Address: ":1"}}, "cert_file"},
		{"quic without cert", []TransportConfig{{Kind: KindQUIC, Address: ":1", CertFile: "c.pem"}}, "cert_file"},
		{"bad ws path", []TransportConfig{{Kind: KindWS, Address: ":1", Path: "seam"}}, "must start with /"},
		{"negative size", []TransportConfig{{Kind: KindTCP, Address: ":1", SendQueueSize: -1}}, "negative"},
		{"negative timeout", []TransportConfig{{Kind: KindTCP, Address: ":1", IdleTimeout: -time.Second}}, "idle_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Transports = tt.transports
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}

func TestValidateNormalizes(t *testing.T) {
	cfg := Default()
	cfg.Log.Format = ""
	cfg.Log.Outputs = nil
	cfg.Transports = []TransportConfig{
		{Kind: " WS ", Address: ":7080"},
		{Kind: KindTLS, Address: ":7443", SelfSigned: true},
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, []string{"stderr"}, cfg.Log.Outputs)
	assert.Equal(t, "ws", cfg.Transports[0].Name)
	assert.Equal(t, "/", cfg.Transports[0].Path)
	assert.True(t, cfg.Transports[1].Secure())
}
