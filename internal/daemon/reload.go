package daemon

import (
	"context"

	"diagd/internal/config"
	"diagd/internal/logging"
)

// applyConfig applies a reloaded configuration. Only the log level takes
// effect at runtime; other changes are reported and wait for a restart.
func (d *Daemon) applyConfig(old, new *config.Config) {
	if old == nil || new == nil {
		return
	}
	ctx := context.Background()

	if old.Logging.Level != new.Logging.Level {
		level, err := logging.ParseLevel(new.Logging.Level)
		if err != nil {
			d.logger.Warn("ignoring log level", "level", new.Logging.Level, "error", err)
		} else {
			d.logger.SetLevel(level)
			d.audit.LogConfigChange(ctx, "logging.level", old.Logging.Level, new.Logging.Level)
			d.metrics.RecordConfigReload()
			d.logger.Info("log level changed", "from", old.Logging.Level, "to", new.Logging.Level)
		}
	}

	rest := *old
	rest.Logging.Level = new.Logging.Level
	if rest != *new {
		d.logger.Warn("configuration changed, restart diagd to apply", "path", d.configPath)
	}
}
