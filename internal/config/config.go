// Package config handles configuration loading, validation, and management for diagd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DIAGD_"

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Diagnostics configures the log channels.
	Diagnostics DiagnosticsConfig `toml:"diagnostics" json:"diagnostics" yaml:"diagnostics"`

	// Export configures how channel logs leave the daemon.
	Export ExportConfig `toml:"export" json:"export" yaml:"export" envPrefix:"EXPORT_"`

	// Notify configures desktop notices and sharing.
	Notify NotifyConfig `toml:"notify" json:"notify" yaml:"notify" envPrefix:"NOTIFY_"`

	// Logging configures the daemon's own log.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging" envPrefix:"LOG_"`

	// Audit configures the audit trail of exports.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit" envPrefix:"AUDIT_"`

	// IPC configuration for inter-process communication.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc" envPrefix:"IPC_"`

	// Metrics configures the Prometheus and health endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics" envPrefix:"METRICS_"`
}

// DiagnosticsConfig holds log channel configuration. Channel settings are
// read once when the channels are created.
type DiagnosticsConfig struct {
	// CacheDir holds the {prefix}-current.log mirror files.
	CacheDir string `toml:"cache_dir" json:"cache_dir" yaml:"cache_dir" env:"CACHE_DIR"`

	// Capacity is the number of lines each channel buffers in memory.
	Capacity int `toml:"capacity" json:"capacity" yaml:"capacity" env:"CAPACITY"`

	Whisper ChannelConfig `toml:"whisper" json:"whisper" yaml:"whisper" envPrefix:"WHISPER_"`
	Theme   ChannelConfig `toml:"theme" json:"theme" yaml:"theme" envPrefix:"THEME_"`
}

// ChannelConfig holds the settings of one channel.
type ChannelConfig struct {
	// Tag labels the channel's lines in the daemon log.
	Tag string `toml:"tag" json:"tag" yaml:"tag" env:"TAG"`

	// Prefix names the mirror file and dated exports.
	Prefix string `toml:"prefix" json:"prefix" yaml:"prefix" env:"PREFIX"`

	// Mask enables API key redaction.
	Mask bool `toml:"mask" json:"mask" yaml:"mask" env:"MASK"`

	// Strings overrides the user-facing texts. Empty fields keep the defaults.
	Strings StringsConfig `toml:"strings" json:"strings" yaml:"strings"`
}

// StringsConfig holds user-facing texts of a channel.
type StringsConfig struct {
	ShareAction       string `toml:"share_action" json:"share_action" yaml:"share_action"`
	SaveAction        string `toml:"save_action" json:"save_action" yaml:"save_action"`
	ShareTitle        string `toml:"share_title" json:"share_title" yaml:"share_title"`
	Unavailable       string `toml:"unavailable" json:"unavailable" yaml:"unavailable"`
	ExportSuccess     string `toml:"export_success" json:"export_success" yaml:"export_success"`
	ExportSavedLegacy string `toml:"export_saved_legacy" json:"export_saved_legacy" yaml:"export_saved_legacy"`
	ExportFailed      string `toml:"export_failed" json:"export_failed" yaml:"export_failed"`
}

// ExportConfig holds export strategy configuration.
type ExportConfig struct {
	// Mode is "auto", "managed" or "legacy".
	Mode string `toml:"mode" json:"mode" yaml:"mode" env:"MODE"`

	// IndexPath is the managed storage index database.
	IndexPath string `toml:"index_path" json:"index_path" yaml:"index_path" env:"INDEX_PATH"`

	// StorageRoot is the directory managed files are stored under.
	StorageRoot string `toml:"storage_root" json:"storage_root" yaml:"storage_root" env:"STORAGE_ROOT"`

	// RelativePath is the managed subdirectory exports are registered in.
	RelativePath string `toml:"relative_path" json:"relative_path" yaml:"relative_path" env:"RELATIVE_PATH"`

	// PublicDir is where the legacy strategy copies exports. Empty means
	// the user's download directory.
	PublicDir string `toml:"public_dir" json:"public_dir" yaml:"public_dir" env:"PUBLIC_DIR"`

	// Authority is the host part of content:// handles.
	Authority string `toml:"authority" json:"authority" yaml:"authority" env:"AUTHORITY"`

	// CleanupOrphans deletes index entries whose content failed to write.
	CleanupOrphans bool `toml:"cleanup_orphans" json:"cleanup_orphans" yaml:"cleanup_orphans" env:"CLEANUP_ORPHANS"`

	// PendingMaxAgeHours is how long an unfinished entry survives the
	// startup sweep. Zero disables the sweep.
	PendingMaxAgeHours int `toml:"pending_max_age_hours" json:"pending_max_age_hours" yaml:"pending_max_age_hours" env:"PENDING_MAX_AGE_HOURS"`
}

// NotifyConfig holds desktop integration configuration.
type NotifyConfig struct {
	// Backend is "dbus", "log" or "none".
	Backend string `toml:"backend" json:"backend" yaml:"backend" env:"BACKEND"`

	// AppName is the application name shown on notices.
	AppName string `toml:"app_name" json:"app_name" yaml:"app_name" env:"APP_NAME"`

	// Icon is the notice icon name.
	Icon string `toml:"icon" json:"icon" yaml:"icon" env:"ICON"`

	// ExpireMs is how long a toast stays visible; notices never expire.
	ExpireMs int `toml:"expire_ms" json:"expire_ms" yaml:"expire_ms" env:"EXPIRE_MS"`

	// Share enables opening exports through the desktop portal.
	Share bool `toml:"share" json:"share" yaml:"share" env:"SHARE"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level" env:"LEVEL"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format" env:"FORMAT"`

	// Output is the log output: "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output" env:"OUTPUT"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" env:"PATH"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds audit log configuration.
type AuditConfig struct {
	Enabled  bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path" env:"PATH"`
}

// IPCConfig holds inter-process communication configuration.
type IPCConfig struct {
	// Enabled determines whether IPC server is enabled.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`

	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path" env:"SOCKET_PATH"`

	// Permissions is the Unix socket permissions (e.g., "0600").
	Permissions string `toml:"permissions" json:"permissions" yaml:"permissions"`

	// MaxConnections is the maximum concurrent connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// TimeoutSec is the per-request deadline.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// MetricsConfig holds the HTTP endpoint for /metrics, /healthz and /readyz.
type MetricsConfig struct {
	Enabled    bool   `toml:"enabled" json:"enabled" yaml:"enabled" env:"ENABLED"`
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr" env:"LISTEN_ADDR"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()

	return &Config{
		Version: Version,
		Diagnostics: DiagnosticsConfig{
			CacheDir: PlatformCacheDir(),
			Capacity: 500,
			Whisper: ChannelConfig{
				Tag:    "Whisper",
				Prefix: "whisper",
				Mask:   true,
			},
			Theme: ChannelConfig{
				Tag:    "ThemeDiag",
				Prefix: "theme",
				Mask:   false,
			},
		},
		Export: ExportConfig{
			Mode:               "auto",
			IndexPath:          filepath.Join(dataDir, "downloads.db"),
			StorageRoot:        filepath.Join(dataDir, "storage"),
			RelativePath:       "Download/diagd",
			Authority:          "diagd.fileprovider",
			CleanupOrphans:     true,
			PendingMaxAgeHours: 24,
		},
		Notify: NotifyConfig{
			Backend:  "dbus",
			AppName:  "diagd",
			Icon:     "dialog-information",
			ExpireMs: 4000,
			Share:    true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(PlatformLogDir(), "diagd.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled:  true,
			FilePath: filepath.Join(PlatformLogDir(), "audit.log"),
		},
		IPC: IPCConfig{
			Enabled:        true,
			SocketPath:     DefaultSocketPath(),
			Permissions:    "0600",
			MaxConnections: 16,
			TimeoutSec:     30,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9478",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(PlatformConfigDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Diagnostics.CacheDir,
		filepath.Dir(c.Export.IndexPath),
		c.Export.StorageRoot,
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Audit.Enabled {
		dirs = append(dirs, filepath.Dir(c.Audit.FilePath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// DataDir returns the base diagd data directory.
// Uses platform-specific paths or the DIAGD_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv(EnvPrefix + "DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies DIAGD_ environment variables to the configuration,
// e.g. DIAGD_LOG_LEVEL, DIAGD_EXPORT_MODE or DIAGD_WHISPER_MASK.
func (c *Config) ApplyEnvOverrides() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
