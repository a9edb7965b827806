package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is makes errors.Is(err, ErrInvalidConfig) hold for validation failures.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

var (
	prefixPattern    = regexp.MustCompile(`^[a-z0-9_-]+$`)
	authorityPattern = regexp.MustCompile(`^[A-Za-z0-9.-]+$`)
	permPattern      = regexp.MustCompile(`^0[0-7]{3}$`)
)

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateDiagnostics(&c.Diagnostics)...)
	errs = append(errs, validateExport(&c.Export)...)
	errs = append(errs, validateNotify(&c.Notify)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateDiagnostics(d *DiagnosticsConfig) ValidationErrors {
	var errs ValidationErrors

	if d.CacheDir == "" {
		errs = append(errs, *RequiredFieldError("diagnostics.cache_dir"))
	}
	if d.Capacity < 1 || d.Capacity > 100000 {
		errs = append(errs, *RangeError("diagnostics.capacity", 1, 100000))
	}

	errs = append(errs, validateChannel("diagnostics.whisper", &d.Whisper)...)
	errs = append(errs, validateChannel("diagnostics.theme", &d.Theme)...)

	if d.Whisper.Prefix != "" && d.Whisper.Prefix == d.Theme.Prefix {
		errs = append(errs, ValidationError{
			Field:   "diagnostics.theme.prefix",
			Message: fmt.Sprintf("prefix %q is already used by whisper", d.Theme.Prefix),
		})
	}

	return errs
}

func validateChannel(field string, c *ChannelConfig) ValidationErrors {
	var errs ValidationErrors
	if c.Prefix != "" && !prefixPattern.MatchString(c.Prefix) {
		errs = append(errs, ValidationError{
			Field:   field + ".prefix",
			Message: fmt.Sprintf("invalid prefix %q (allowed: a-z, 0-9, _ and -)", c.Prefix),
		})
	}
	return errs
}

func validateExport(e *ExportConfig) ValidationErrors {
	var errs ValidationErrors

	switch e.Mode {
	case "auto", "managed", "legacy":
	default:
		errs = append(errs, ValidationError{
			Field:   "export.mode",
			Message: fmt.Sprintf("invalid mode: %s (valid: auto, managed, legacy)", e.Mode),
		})
	}

	if e.Mode != "legacy" {
		if e.IndexPath == "" {
			errs = append(errs, *RequiredFieldError("export.index_path"))
		}
		if e.StorageRoot == "" {
			errs = append(errs, *RequiredFieldError("export.storage_root"))
		}
	}

	if strings.Contains(e.RelativePath, "..") {
		errs = append(errs, ValidationError{
			Field:   "export.relative_path",
			Message: "relative path must not contain '..'",
		})
	}

	if !authorityPattern.MatchString(e.Authority) {
		errs = append(errs, ValidationError{
			Field:   "export.authority",
			Message: fmt.Sprintf("invalid authority: %q", e.Authority),
		})
	}

	if e.PendingMaxAgeHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "export.pending_max_age_hours",
			Message: "pending max age cannot be negative",
		})
	}

	return errs
}

func validateNotify(n *NotifyConfig) ValidationErrors {
	var errs ValidationErrors

	switch n.Backend {
	case "dbus", "log", "none":
	default:
		errs = append(errs, ValidationError{
			Field:   "notify.backend",
			Message: fmt.Sprintf("invalid backend: %s (valid: dbus, log, none)", n.Backend),
		})
	}

	if n.ExpireMs < -1 {
		errs = append(errs, ValidationError{
			Field:   "notify.expire_ms",
			Message: "expire must be -1 (server default), 0 (never) or positive",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	if a.Enabled && a.FilePath == "" {
		return ValidationErrors{*RequiredFieldError("audit.file_path")}
	}
	return nil
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if !i.Enabled {
		return errs
	}

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{
			Field:   "ipc.socket_path",
			Message: "socket path is required when IPC is enabled",
		})
	}

	if i.Permissions != "" && !permPattern.MatchString(i.Permissions) {
		errs = append(errs, ValidationError{
			Field:   "ipc.permissions",
			Message: fmt.Sprintf("invalid permissions format: %s (expected octal like 0600)", i.Permissions),
		})
	}

	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.max_connections",
			Message: "max connections must be at least 1",
		})
	}

	if i.TimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "ipc.timeout_sec",
			Message: "timeout must be at least 1 second",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.ListenAddr, err),
		}}
	}
	return nil
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
