// Package config provides configuration loading, validation, and hot-reload
// for the Sentinel daemon.
//
// Configuration file: /etc/sentinel/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - Daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (log level).
//   - Destructive changes (watched roots, socket paths, quarantine root)
//     require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (worker counts, queue capacity, size limits).
//   - Directory and socket paths must be absolute.
//   - Invalid config on startup: daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for Sentinel.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Monitor configures the recursive filesystem monitor.
	Monitor MonitorConfig `yaml:"monitor"`

	// Quarantine configures the isolation store.
	Quarantine QuarantineConfig `yaml:"quarantine"`

	// Scanner configures the external antivirus engine adapter.
	Scanner ScannerConfig `yaml:"scanner"`

	// Dispatch configures the bounded work queue and worker pool.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// Limits configures candidate admission bounds.
	Limits LimitsConfig `yaml:"limits"`

	// Control configures the local client-facing socket.
	Control ControlConfig `yaml:"control"`

	// Ledger configures the persistent audit ledger.
	Ledger LedgerConfig `yaml:"ledger"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// MonitorConfig holds filesystem monitor parameters.
type MonitorConfig struct {
	// Roots is the list of directory trees observed recursively.
	// All entries must be absolute paths. Default: /home, /tmp.
	Roots []string `yaml:"roots"`
}

// QuarantineConfig holds isolation store parameters.
type QuarantineConfig struct {
	// Root is the protected directory holding isolated files and the
	// manifest. Created 0700 root-owned if missing.
	// Default: /opt/quarantine.
	Root string `yaml:"root"`
}

// ScannerConfig holds antivirus adapter parameters.
type ScannerConfig struct {
	// SocketPath is the clamd unix stream socket.
	// Default: /var/run/clamav/clamd.ctl.
	SocketPath string `yaml:"socket_path"`

	// MaxRetries is the number of retries after the first scan attempt.
	// Default: 3 (four attempts total).
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the sleep between scan attempts. Default: 2s.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// ConnectTimeout bounds the socket dial. Default: 5s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ScanTimeout bounds a single scan round trip. Default: 60s.
	ScanTimeout time.Duration `yaml:"scan_timeout"`
}

// DispatchConfig holds work queue parameters.
type DispatchConfig struct {
	// Workers is the number of scan worker goroutines. Default: 4.
	Workers int `yaml:"workers"`

	// QueueCapacity is the bounded queue depth. When full, the monitor
	// glue blocks rather than dropping candidates. Default: 256.
	QueueCapacity int `yaml:"queue_capacity"`
}

// LimitsConfig holds candidate admission bounds.
type LimitsConfig struct {
	// MinFileSize is the smallest candidate submitted, in bytes.
	// Default: 4.
	MinFileSize int64 `yaml:"min_file_size"`

	// MaxFileSize is the largest candidate submitted, in bytes.
	// Default: 100 MiB.
	MaxFileSize int64 `yaml:"max_file_size"`
}

// ControlConfig holds the local client socket parameters.
type ControlConfig struct {
	// SocketPath is the unix stream socket the desktop client connects to.
	// Mode 0666: unprivileged desktop processes must be able to connect;
	// the domain is local-only. Default: /tmp/sentinel_gui.sock.
	SocketPath string `yaml:"socket_path"`

	// MaxClients is the concurrent client cap. Default: 8.
	MaxClients int `yaml:"max_clients"`
}

// LedgerConfig holds audit ledger parameters.
type LedgerConfig struct {
	// DBPath is the absolute path to the bbolt file.
	// Default: /var/lib/sentinel/sentinel.db.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the event retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9095.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Monitor: MonitorConfig{
			Roots: []string{"/home", "/tmp"},
		},
		Quarantine: QuarantineConfig{
			Root: "/opt/quarantine",
		},
		Scanner: ScannerConfig{
			SocketPath:     "/var/run/clamav/clamd.ctl",
			MaxRetries:     3,
			RetryDelay:     2 * time.Second,
			ConnectTimeout: 5 * time.Second,
			ScanTimeout:    60 * time.Second,
		},
		Dispatch: DispatchConfig{
			Workers:       4,
			QueueCapacity: 256,
		},
		Limits: LimitsConfig{
			MinFileSize: 4,
			MaxFileSize: 100 << 20,
		},
		Control: ControlConfig{
			SocketPath: "/tmp/sentinel_gui.sock",
			MaxClients: 8,
		},
		Ledger: LedgerConfig{
			DBPath:        "/var/lib/sentinel/sentinel.db",
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9095",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if len(cfg.Monitor.Roots) == 0 {
		errs = append(errs, "monitor.roots must not be empty")
	}
	for _, r := range cfg.Monitor.Roots {
		if !filepath.IsAbs(r) {
			errs = append(errs, fmt.Sprintf("monitor.roots entry %q must be absolute", r))
		}
		if r == cfg.Quarantine.Root {
			errs = append(errs, fmt.Sprintf("quarantine.root %q must not be a watched root", r))
		}
	}
	if !filepath.IsAbs(cfg.Quarantine.Root) {
		errs = append(errs, fmt.Sprintf("quarantine.root must be absolute, got %q", cfg.Quarantine.Root))
	}
	if !filepath.IsAbs(cfg.Scanner.SocketPath) {
		errs = append(errs, fmt.Sprintf("scanner.socket_path must be absolute, got %q", cfg.Scanner.SocketPath))
	}
	if cfg.Scanner.MaxRetries < 0 || cfg.Scanner.MaxRetries > 10 {
		errs = append(errs, fmt.Sprintf("scanner.max_retries must be in [0, 10], got %d", cfg.Scanner.MaxRetries))
	}
	if cfg.Scanner.RetryDelay < 100*time.Millisecond {
		errs = append(errs, fmt.Sprintf("scanner.retry_delay must be >= 100ms, got %s", cfg.Scanner.RetryDelay))
	}
	if cfg.Scanner.ConnectTimeout <= 0 || cfg.Scanner.ScanTimeout <= 0 {
		errs = append(errs, "scanner.connect_timeout and scanner.scan_timeout must be > 0")
	}
	if cfg.Dispatch.Workers < 1 || cfg.Dispatch.Workers > 64 {
		errs = append(errs, fmt.Sprintf("dispatch.workers must be in [1, 64], got %d", cfg.Dispatch.Workers))
	}
	if cfg.Dispatch.QueueCapacity < 1 {
		errs = append(errs, fmt.Sprintf("dispatch.queue_capacity must be >= 1, got %d", cfg.Dispatch.QueueCapacity))
	}
	if cfg.Limits.MinFileSize < 0 {
		errs = append(errs, fmt.Sprintf("limits.min_file_size must be >= 0, got %d", cfg.Limits.MinFileSize))
	}
	if cfg.Limits.MaxFileSize <= cfg.Limits.MinFileSize {
		errs = append(errs, fmt.Sprintf("limits.max_file_size must exceed min_file_size, got %d", cfg.Limits.MaxFileSize))
	}
	if !filepath.IsAbs(cfg.Control.SocketPath) {
		errs = append(errs, fmt.Sprintf("control.socket_path must be absolute, got %q", cfg.Control.SocketPath))
	}
	if cfg.Control.MaxClients < 1 || cfg.Control.MaxClients > 128 {
		errs = append(errs, fmt.Sprintf("control.max_clients must be in [1, 128], got %d", cfg.Control.MaxClients))
	}
	if !filepath.IsAbs(cfg.Ledger.DBPath) {
		errs = append(errs, fmt.Sprintf("ledger.db_path must be absolute, got %q", cfg.Ledger.DBPath))
	}
	if cfg.Ledger.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("ledger.retention_days must be >= 1, got %d", cfg.Ledger.RetentionDays))
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json or console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s",
			joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
