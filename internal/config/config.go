package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Runtime kinds selectable from the registry.
const (
	RuntimeKindLocal  = "local"
	RuntimeKindRemote = "remote"
)

// Config represents the runtime host configuration.
type Config struct {
	Port        int          `yaml:"port"`
	Bind        string       `yaml:"bind"`
	LogLevel    string       `yaml:"log_level"`
	RuntimeKind string       `yaml:"runtime_kind"` // local, remote
	HistoryDir  string       `yaml:"history_dir"`  // empty disables exchange history
	TLS         TLSConfig    `yaml:"tls"`
	Local       LocalConfig  `yaml:"local"`
	Remote      RemoteConfig `yaml:"remote"`
	Detect      DetectConfig `yaml:"detect"`
}

// TLSConfig holds optional TLS settings for the host HTTP surface.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LocalConfig holds settings for a runtime supervising a co-located
// agent CLI process.
type LocalConfig struct {
	WorkDir         string        `yaml:"work_dir"`         // Working directory for the agent process
	Executable      string        `yaml:"executable"`       // Agent CLI binary name or path
	Model           string        `yaml:"model"`            // Model passed to the CLI
	StartupTimeout  time.Duration `yaml:"startup_timeout"`  // Bound on process readiness
	ResponseTimeout time.Duration `yaml:"response_timeout"` // Bound on one exchange
	StabilityWindow time.Duration `yaml:"stability_window"` // Premature-exit watch window after spawn; zero disables
	SkipPermissions bool          `yaml:"skip_permissions"` // Bypass the CLI's safety prompts
	MaxTurns        int           `yaml:"max_turns"`        // Turn budget per exchange (0 = CLI default)
}

// RemoteConfig holds settings for a runtime driving an agent over an
// authenticated SSH channel.
type RemoteConfig struct {
	Host                 string        `yaml:"host"`
	Port                 int           `yaml:"port"`
	User                 string        `yaml:"user"`
	KeyPath              string        `yaml:"key_path"`
	RemoteWorkDir        string        `yaml:"remote_work_dir"`
	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ReadyTimeout         time.Duration `yaml:"ready_timeout"`   // Bound on the initial ready marker
	ResponseTimeout      time.Duration `yaml:"response_timeout"`
	IdleWindow           time.Duration `yaml:"idle_window"`     // No-new-bytes fallback for completion
	KeepAliveInterval    time.Duration `yaml:"keepalive_interval"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	ReconnectDelay       time.Duration `yaml:"reconnect_delay"` // Initial reconnect backoff (doubles, capped)
	MaxReconnectDelay    time.Duration `yaml:"max_reconnect_delay"`
}

// DetectConfig overrides the default completion/rate-limit marker sets.
// Empty slices keep the defaults.
type DetectConfig struct {
	SuccessMarkers    []string `yaml:"success_markers"`
	ErrorMarkers      []string `yaml:"error_markers"`
	RateLimitPatterns []string `yaml:"rate_limit_patterns"`
}

// Defaults
const (
	DefaultPort            = 9100
	DefaultBind            = "127.0.0.1"
	DefaultLogLevel        = "info"
	DefaultRuntimeKind     = RuntimeKindLocal
	DefaultExecutable      = "claude"
	DefaultModel           = "sonnet"
	DefaultStartupTimeout  = 30 * time.Second
	DefaultResponseTimeout = 30 * time.Minute
	DefaultStabilityWindow = 2 * time.Second
	DefaultMaxTurns        = 50

	DefaultRemotePort           = 22
	DefaultConnectTimeout       = 15 * time.Second
	DefaultReadyTimeout         = 30 * time.Second
	DefaultIdleWindow           = 3 * time.Second
	DefaultKeepAliveInterval    = 30 * time.Second
	DefaultMaxReconnectAttempts = 5
	DefaultReconnectDelay       = 1 * time.Second
	DefaultMaxReconnectDelay    = 30 * time.Second
)

// Parse parses YAML config data, merging defaults before validation.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Derive WorkDir if not set
	if cfg.Local.WorkDir == "" {
		cfg.Local.WorkDir = DefaultWorkDir()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load loads config from a file path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Validate checks config validity.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}

	switch c.RuntimeKind {
	case RuntimeKindLocal, RuntimeKindRemote:
	default:
		return fmt.Errorf("runtime_kind must be local or remote, got %q", c.RuntimeKind)
	}

	if c.RuntimeKind == RuntimeKindLocal {
		if err := c.Local.Validate(); err != nil {
			return err
		}
	}

	if c.RuntimeKind == RuntimeKindRemote {
		if err := c.Remote.Validate(); err != nil {
			return err
		}
	}

	if c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls enabled but cert_file or key_file is empty")
	}

	return nil
}

// Validate checks local runtime settings.
func (c *LocalConfig) Validate() error {
	if c.Executable == "" {
		return fmt.Errorf("local executable is required")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("local work_dir is required")
	}
	if c.StartupTimeout < time.Second {
		return fmt.Errorf("local startup_timeout must be at least 1 second, got %v", c.StartupTimeout)
	}
	if c.ResponseTimeout < time.Second {
		return fmt.Errorf("local response_timeout must be at least 1 second, got %v", c.ResponseTimeout)
	}
	// Zero means the premature-exit check is disabled.
	if c.StabilityWindow < 0 {
		return fmt.Errorf("local stability_window must not be negative, got %v", c.StabilityWindow)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("local max_turns must not be negative, got %d", c.MaxTurns)
	}
	return nil
}

// Validate checks remote runtime settings.
func (c *RemoteConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("remote host is required")
	}
	if c.User == "" {
		return fmt.Errorf("remote user is required")
	}
	if c.KeyPath == "" {
		return fmt.Errorf("remote key_path is required")
	}
	if c.RemoteWorkDir == "" {
		return fmt.Errorf("remote remote_work_dir is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("remote port must be between 1 and 65535, got %d", c.Port)
	}
	if c.ResponseTimeout < time.Second {
		return fmt.Errorf("remote response_timeout must be at least 1 second, got %v", c.ResponseTimeout)
	}
	if c.MaxReconnectAttempts < 1 {
		return fmt.Errorf("remote max_reconnect_attempts must be at least 1, got %d", c.MaxReconnectAttempts)
	}
	return nil
}

// Default returns a config with default values.
func Default() *Config {
	return &Config{
		Port:        DefaultPort,
		Bind:        DefaultBind,
		LogLevel:    DefaultLogLevel,
		RuntimeKind: DefaultRuntimeKind,
		Local: LocalConfig{
			WorkDir:         DefaultWorkDir(),
			Executable:      DefaultExecutable,
			Model:           DefaultModel,
			StartupTimeout:  DefaultStartupTimeout,
			ResponseTimeout: DefaultResponseTimeout,
			StabilityWindow: DefaultStabilityWindow,
			MaxTurns:        DefaultMaxTurns,
		},
		Remote: RemoteConfig{
			Port:                 DefaultRemotePort,
			ConnectTimeout:       DefaultConnectTimeout,
			ReadyTimeout:         DefaultReadyTimeout,
			ResponseTimeout:      DefaultResponseTimeout,
			IdleWindow:           DefaultIdleWindow,
			KeepAliveInterval:    DefaultKeepAliveInterval,
			MaxReconnectAttempts: DefaultMaxReconnectAttempts,
			ReconnectDelay:       DefaultReconnectDelay,
			MaxReconnectDelay:    DefaultMaxReconnectDelay,
		},
	}
}

// DefaultWorkDir returns the default working directory for local agent
// sessions. Uses HARNESS_ROOT env var if set, otherwise ~/.harness/work.
func DefaultWorkDir() string {
	root := os.Getenv("HARNESS_ROOT")
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "/tmp"
		}
		root = filepath.Join(home, ".harness")
	}
	return filepath.Join(root, "work")
}
