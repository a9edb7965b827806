package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup      AuditEventType = "startup"
	AuditEventShutdown     AuditEventType = "shutdown"
	AuditEventConfigChange AuditEventType = "config_change"
	AuditEventExport       AuditEventType = "export"
	AuditEventShare        AuditEventType = "share"
	AuditEventSave         AuditEventType = "save"
	AuditEventError        AuditEventType = "error"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultFailure = "failure"
)

// AuditEvent records a diagnostics file leaving the process.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	Stream     string                 `json:"stream,omitempty"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource,omitempty"`
	Result     string                 `json:"result"`
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   filepath.Join(defaultStateDir(), "audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "diagd",
	}
}

// AuditLogger appends JSON lines describing exports, shares and saves.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
	}, nil
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(2); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}

	return nil
}

func resultOf(err error) (string, string) {
	if err != nil {
		return AuditResultFailure, err.Error()
	}
	return AuditResultSuccess, ""
}

// LogExport records an export attempt through one strategy.
func (a *AuditLogger) LogExport(ctx context.Context, stream, strategy, uri string, err error) error {
	result, msg := resultOf(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventExport,
		Stream:    stream,
		Action:    "log_exported",
		Resource:  uri,
		Result:    result,
		Error:     msg,
		Details: map[string]interface{}{
			"strategy": strategy,
		},
	})
}

// LogShare records a share request.
func (a *AuditLogger) LogShare(ctx context.Context, stream, uri string, err error) error {
	result, msg := resultOf(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShare,
		Stream:    stream,
		Action:    "log_shared",
		Resource:  uri,
		Result:    result,
		Error:     msg,
	})
}

// LogSave records a save request.
func (a *AuditLogger) LogSave(ctx context.Context, stream, uri string, err error) error {
	result, msg := resultOf(err)
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventSave,
		Stream:    stream,
		Action:    "log_saved",
		Resource:  uri,
		Result:    result,
		Error:     msg,
	})
}

// LogConfigChange logs a configuration change.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigChange,
		Action:    "config_changed",
		Resource:  setting,
		Result:    AuditResultSuccess,
		Details: map[string]interface{}{
			"old_value": oldValue,
			"new_value": newValue,
		},
	})
}

// LogStartup logs a daemon startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Result:    AuditResultSuccess,
		Details:   details,
	})
}

// LogShutdown logs a daemon shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Result:    AuditResultSuccess,
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Sync()
}
