// Package config provides configuration management for fdshare.
// It uses koanf v2 to load configuration from YAML files and supports
// saving updated configuration back to disk.
//
// Both binaries share one file: the fdshared daemon reads everything, the
// helper only the handful of protocol options (and runs fine with no config
// file at all, since its one mandatory input is the socket name argument).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location of the fdshare configuration.
const DefaultConfigPath = "/etc/fdshare/config.yaml"

// Config holds the settings shared by the helper and the daemon.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// SocketName names the abstract Unix-domain socket for the descriptor
	// handshake. When empty the daemon generates a random name per helper
	// launch, which is the recommended mode.
	SocketName string `koanf:"socket_name" yaml:"socket_name"`

	// HelperPath is the path to the fdshare-helper binary. Required by the
	// daemon.
	HelperPath string `koanf:"helper_path" yaml:"helper_path"`

	// HelperWrapper optionally prefixes the helper invocation with a
	// privilege-escalation command, e.g. ["sudo", "--"]. Empty means
	// direct execution.
	HelperWrapper []string `koanf:"helper_wrapper" yaml:"helper_wrapper"`

	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	// Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// AckFailures makes the helper send an explicit FAIL status when an
	// open request cannot be served. The historical protocol sent nothing
	// at all on failure; this option closes that gap without changing the
	// default behavior. Default: false.
	AckFailures bool `koanf:"ack_failures" yaml:"ack_failures"`

	// RedirectDiagnostics rewires the helper's stdout/stderr onto the
	// descriptor socket after the handshake so diagnostics reach the
	// supervisor. Default: true (the primary historical variant).
	RedirectDiagnostics bool `koanf:"redirect_diagnostics" yaml:"redirect_diagnostics"`

	// OOMProtect makes the supervisor raise the helper's OOM-killer
	// protection through the protocol itself right after the handshake.
	// Default: true.
	OOMProtect bool `koanf:"oom_protect" yaml:"oom_protect"`

	// AuditPath is the bbolt database recording served requests.
	// Default: /var/lib/fdshare/audit.db.
	AuditPath string `koanf:"audit_path" yaml:"audit_path"`

	// AuditPruneSchedule is a cron expression for pruning aged audit
	// records. Default: "0 3 * * *" (daily at 03:00).
	AuditPruneSchedule string `koanf:"audit_prune_schedule" yaml:"audit_prune_schedule"`

	// AuditRetentionDays is how long audit records are kept. Default: 30.
	AuditRetentionDays int `koanf:"audit_retention_days" yaml:"audit_retention_days"`

	// BrokerSocket is the filesystem Unix socket on which the daemon
	// serves descriptor requests to local clients.
	// Default: /run/fdshare/broker.sock.
	BrokerSocket string `koanf:"broker_socket" yaml:"broker_socket"`
}

// Validation errors returned by Load.
var (
	ErrInvalidRetention = errors.New("audit_retention_days must not be negative")
	ErrInvalidLogLevel  = errors.New("log_level must be one of debug, info, warn, error")
)

// Load reads configuration from the given YAML file, applies defaults, and
// validates. The file must exist; use LoadOrDefault when the file is
// optional.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
	}
	return finish(k)
}

// LoadOrDefault behaves like Load but returns built-in defaults when the
// file does not exist. The helper uses this: its configuration file is
// optional deployment sugar, not a requirement.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return finish(koanf.New("."))
	}
	return Load(path)
}

func finish(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Boolean options whose default is true cannot rely on the zero
	// value: only an explicit `false` in the file should turn them off.
	if !k.Exists("redirect_diagnostics") {
		cfg.RedirectDiagnostics = true
	}
	if !k.Exists("oom_protect") {
		cfg.OOMProtect = true
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults sets default values for optional fields.
func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.AuditPath == "" {
		c.AuditPath = "/var/lib/fdshare/audit.db"
	}
	if c.AuditPruneSchedule == "" {
		c.AuditPruneSchedule = "0 3 * * *"
	}
	if c.AuditRetentionDays == 0 {
		c.AuditRetentionDays = 30
	}
	if c.BrokerSocket == "" {
		c.BrokerSocket = "/run/fdshare/broker.sock"
	}
}

// validate checks field values. Presence of daemon-only fields (such as
// helper_path) is checked by the daemon, not here, so the helper can share
// the same file.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrInvalidLogLevel
	}
	if c.AuditRetentionDays < 0 {
		return ErrInvalidRetention
	}
	return nil
}

// Save writes the configuration to path with 0600 permissions, creating
// parent directories as needed.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return nil
}
