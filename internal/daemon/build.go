package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"diagd/internal/config"
	"diagd/internal/diagnostics"
	"diagd/internal/export"
	"diagd/internal/logging"
	"diagd/internal/store"
)

// probeTimeout bounds the managed storage capability check.
const probeTimeout = time.Second

// NewLogger builds the daemon logger from its configuration section.
func NewLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:          level,
		Format:         format,
		Output:         c.Output,
		FilePath:       c.FilePath,
		MaxSize:        int64(c.MaxSizeMB),
		MaxAge:         c.MaxAgeDays,
		MaxBackups:     c.MaxBackups,
		Compress:       c.Compress,
		RedactPatterns: logging.DefaultRedactPatterns,
		Component:      "diagd",
	})
}

// NewAuditLogger opens the audit trail, or returns nil when it is disabled.
func NewAuditLogger(c config.AuditConfig) (*logging.AuditLogger, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := logging.DefaultAuditConfig()
	cfg.FilePath = c.FilePath
	return logging.NewAuditLogger(cfg)
}

// ChannelConfigs converts the diagnostics section into channel settings.
func ChannelConfigs(c config.DiagnosticsConfig) map[diagnostics.Stream]diagnostics.ChannelConfig {
	return map[diagnostics.Stream]diagnostics.ChannelConfig{
		diagnostics.Whisper: channelConfig(c.Whisper, c.Capacity),
		diagnostics.Theme:   channelConfig(c.Theme, c.Capacity),
	}
}

func channelConfig(c config.ChannelConfig, capacity int) diagnostics.ChannelConfig {
	mask := diagnostics.Identity
	if c.Mask {
		mask = diagnostics.MaskSecrets
	}
	return diagnostics.ChannelConfig{
		Tag:      c.Tag,
		Prefix:   c.Prefix,
		Capacity: capacity,
		Mask:     mask,
		Strings: diagnostics.Strings{
			ShareAction:       c.Strings.ShareAction,
			SaveAction:        c.Strings.SaveAction,
			ShareTitle:        c.Strings.ShareTitle,
			Unavailable:       c.Strings.Unavailable,
			ExportSuccess:     c.Strings.ExportSuccess,
			ExportSavedLegacy: c.Strings.ExportSavedLegacy,
			ExportFailed:      c.Strings.ExportFailed,
		},
	}
}

// Exporter is the export side of the daemon: the selector channels export
// through, the resolvers that turn its handles back into files and the
// managed index when one is open.
type Exporter struct {
	Selector  *export.Selector
	Resolvers export.Resolvers
	Store     *store.Store
	Mode      export.Mode
}

// NewExporter opens the managed index unless the mode is legacy. In auto
// mode an index that cannot be opened leaves only the legacy strategy.
func NewExporter(c config.ExportConfig, logger *logging.Logger) (*Exporter, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	mode, err := export.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}

	publicDir := c.PublicDir
	if publicDir == "" {
		publicDir = export.DefaultPublicDir()
	}
	legacy := export.NewLegacy(publicDir, c.Authority)

	e := &Exporter{Mode: mode}
	var managed export.Strategy
	if mode != export.ModeLegacy {
		st, err := store.Open(c.IndexPath, c.StorageRoot, c.Authority)
		switch {
		case err == nil:
			e.Store = st
			e.Resolvers = append(e.Resolvers, st)
			rel := c.RelativePath
			if rel == "" {
				rel = export.DefaultRelativePath
			}
			managed = &export.Managed{Index: st, RelativePath: rel, CleanupOrphans: c.CleanupOrphans}
		case mode == export.ModeManaged:
			return nil, fmt.Errorf("open managed index: %w", err)
		default:
			logger.Warn("managed storage unavailable, using legacy export", "index", c.IndexPath, "error", err)
		}
	}
	e.Resolvers = append(e.Resolvers, legacy.Provider)

	e.Selector = export.NewSelector(mode, managed, legacy, e.capable)
	return e, nil
}

// capable reports whether the managed index answers right now.
func (e *Exporter) capable() bool {
	if e.Store == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	return e.Store.Ping(ctx) == nil
}

// SweepPending removes managed entries left unfinished for longer than
// maxAge. It is a no-op without an index or with a zero maxAge.
func (e *Exporter) SweepPending(ctx context.Context, maxAge time.Duration) (int, error) {
	if e.Store == nil || maxAge <= 0 {
		return 0, nil
	}
	return e.Store.SweepPending(ctx, time.Now().Add(-maxAge))
}

// Close closes the managed index.
func (e *Exporter) Close() error {
	if e.Store == nil {
		return nil
	}
	return e.Store.Close()
}

// socketMode parses an octal permission string such as "0600".
func socketMode(s string) (uint32, error) {
	if s == "" {
		return 0600, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket permissions %q: %w", s, err)
	}
	return uint32(v), nil
}

// crashDir places crash dumps next to the daemon log.
func crashDir(c config.LoggingConfig) string {
	if c.FilePath == "" {
		return logging.DefaultCrashDir()
	}
	return filepath.Join(filepath.Dir(c.FilePath), "crashes")
}
