package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string           `mapstructure:"state_dir" yaml:"state_dir"`
	Store         StoreConfig      `mapstructure:"store" yaml:"store"`
	HTTP          HTTPConfig       `mapstructure:"http" yaml:"http"`
	Browser       BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	Connection    ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Installer     InstallerConfig  `mapstructure:"installer" yaml:"installer"`
	Logging       LoggingConfig    `mapstructure:"logging" yaml:"logging"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// StoreConfig locates the script database.
type StoreConfig struct {
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// HTTPConfig configures the loopback HTTP server carrying the privileged channel.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// BrowserConfig selects the Chromium instance to drive. A DevTools URL
// attaches to a running browser; otherwise one is launched.
type BrowserConfig struct {
	DevToolsURL   string `mapstructure:"devtools_url" yaml:"devtools_url"`
	ExecPath      string `mapstructure:"exec_path" yaml:"exec_path"`
	Headless      bool   `mapstructure:"headless" yaml:"headless"`
	EvalTimeoutMS int    `mapstructure:"eval_timeout_ms" yaml:"eval_timeout_ms"`
}

// ConnectionConfig tunes per-tab connection attempts.
type ConnectionConfig struct {
	DefaultEndpoint string `mapstructure:"default_endpoint" yaml:"default_endpoint"`
	ReadyTimeoutMS  int    `mapstructure:"ready_timeout_ms" yaml:"ready_timeout_ms"`
	PollIntervalMS  int    `mapstructure:"poll_interval_ms" yaml:"poll_interval_ms"`
	AutoReconnect   bool   `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`
}

// InstallerConfig is the web installer policy.
type InstallerConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts" yaml:"allowed_hosts"`
}

// LoggingConfig controls the optional rotating log file.
type LoggingConfig struct {
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	root := filepath.Join(home, ".scriptbridge")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      filepath.Join(root, "state"),
		Store: StoreConfig{
			DSN: filepath.Join(root, "state", "scripts.db"),
		},
		HTTP: HTTPConfig{
			Addr:           "127.0.0.1:27490",
			AllowedOrigins: []string{},
		},
		Browser: BrowserConfig{
			DevToolsURL:   "",
			ExecPath:      "",
			Headless:      false,
			EvalTimeoutMS: 30000,
		},
		Connection: ConnectionConfig{
			DefaultEndpoint: "ws://localhost:1340/_nrepl",
			ReadyTimeoutMS:  5000,
			PollIntervalMS:  100,
			AutoReconnect:   false,
		},
		Installer: InstallerConfig{
			AllowedHosts: []string{"localhost", "127.0.0.1", "::1"},
		},
		Logging: LoggingConfig{
			File:       "",
			MaxSizeMB:  20,
			MaxBackups: 3,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".scriptbridge", "config.yaml"), nil
}
