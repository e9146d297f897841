package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Parse([]byte(``))
	require.NoError(t, err)

	require.Equal(t, DefaultPort, cfg.Port)
	require.Equal(t, DefaultBind, cfg.Bind)
	require.Equal(t, RuntimeKindLocal, cfg.RuntimeKind)
	require.Equal(t, DefaultExecutable, cfg.Local.Executable)
	require.Equal(t, DefaultStabilityWindow, cfg.Local.StabilityWindow)
	require.Equal(t, DefaultResponseTimeout, cfg.Local.ResponseTimeout)
	require.Equal(t, DefaultMaxTurns, cfg.Local.MaxTurns)
	require.NotEmpty(t, cfg.Local.WorkDir)
}

func TestParseOverrides(t *testing.T) {
	t.Parallel()

	data := []byte(`
port: 9200
runtime_kind: local
local:
  executable: mock-agent
  work_dir: /tmp/harness-test
  model: opus
  response_timeout: 5m
  startup_timeout: 10s
  skip_permissions: true
  max_turns: 10
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, 9200, cfg.Port)
	require.Equal(t, "mock-agent", cfg.Local.Executable)
	require.Equal(t, "/tmp/harness-test", cfg.Local.WorkDir)
	require.Equal(t, "opus", cfg.Local.Model)
	require.Equal(t, 5*time.Minute, cfg.Local.ResponseTimeout)
	require.Equal(t, 10*time.Second, cfg.Local.StartupTimeout)
	require.True(t, cfg.Local.SkipPermissions)
	require.Equal(t, 10, cfg.Local.MaxTurns)

	// Unset fields keep defaults.
	require.Equal(t, DefaultStabilityWindow, cfg.Local.StabilityWindow)
}

func TestParseRemote(t *testing.T) {
	t.Parallel()

	data := []byte(`
runtime_kind: remote
remote:
  host: build-box.internal
  user: agent
  key_path: /home/agent/.ssh/id_ed25519
  remote_work_dir: /srv/agent/work
`)
	cfg, err := Parse(data)
	require.NoError(t, err)

	require.Equal(t, RuntimeKindRemote, cfg.RuntimeKind)
	require.Equal(t, "build-box.internal", cfg.Remote.Host)
	require.Equal(t, DefaultRemotePort, cfg.Remote.Port)
	require.Equal(t, DefaultMaxReconnectAttempts, cfg.Remote.MaxReconnectAttempts)
	require.Equal(t, DefaultIdleWindow, cfg.Remote.IdleWindow)
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Port = 0 },
			wantErr: "port must be between",
		},
		{
			name:    "bad runtime kind",
			mutate:  func(c *Config) { c.RuntimeKind = "container" },
			wantErr: "runtime_kind must be local or remote",
		},
		{
			name:    "missing executable",
			mutate:  func(c *Config) { c.Local.Executable = "" },
			wantErr: "executable is required",
		},
		{
			name:    "short response timeout",
			mutate:  func(c *Config) { c.Local.ResponseTimeout = 10 * time.Millisecond },
			wantErr: "response_timeout must be at least 1 second",
		},
		{
			name:    "negative stability window",
			mutate:  func(c *Config) { c.Local.StabilityWindow = -time.Second },
			wantErr: "stability_window must not be negative",
		},
		{
			name: "remote missing host",
			mutate: func(c *Config) {
				c.RuntimeKind = RuntimeKindRemote
			},
			wantErr: "remote host is required",
		},
		{
			name: "remote missing key",
			mutate: func(c *Config) {
				c.RuntimeKind = RuntimeKindRemote
				c.Remote.Host = "h"
				c.Remote.User = "u"
			},
			wantErr: "remote key_path is required",
		},
		{
			name:    "tls without cert",
			mutate:  func(c *Config) { c.TLS.Enabled = true },
			wantErr: "tls enabled but",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9300\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9300, cfg.Port)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config file")
}

func TestParseInvalidYAML(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("port: [not a number"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "parsing config")
}
