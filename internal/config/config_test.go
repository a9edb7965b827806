package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Diagnostics.Capacity != 500 {
		t.Errorf("expected capacity 500, got %d", cfg.Diagnostics.Capacity)
	}
	if !cfg.Diagnostics.Whisper.Mask || cfg.Diagnostics.Theme.Mask {
		t.Error("expected whisper masked and theme unmasked")
	}
	if cfg.Diagnostics.Whisper.Prefix != "whisper" || cfg.Diagnostics.Theme.Prefix != "theme" {
		t.Errorf("unexpected prefixes: %q %q", cfg.Diagnostics.Whisper.Prefix, cfg.Diagnostics.Theme.Prefix)
	}
	if cfg.Export.Mode != "auto" || !cfg.Export.CleanupOrphans {
		t.Errorf("unexpected export defaults: %+v", cfg.Export)
	}
	if cfg.Export.RelativePath != "Download/diagd" {
		t.Errorf("unexpected relative path: %s", cfg.Export.RelativePath)
	}
}

func TestConfigPath(t *testing.T) {
	path := ConfigPath()
	if !strings.HasSuffix(path, "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", path)
	}
	if !strings.Contains(path, "diagd") {
		t.Errorf("config path should contain diagd: %s", path)
	}
}

func TestDataDirOverride(t *testing.T) {
	t.Setenv("DIAGD_DATA_DIR", "/srv/diagd")
	if got := DataDir(); got != "/srv/diagd" {
		t.Errorf("expected override, got %s", got)
	}
	if got := DefaultConfig().Export.IndexPath; got != filepath.Join("/srv/diagd", "downloads.db") {
		t.Errorf("index path should follow data dir, got %s", got)
	}
}

func TestLoadNonexistent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Diagnostics.Capacity != 500 {
		t.Errorf("expected defaults, got capacity %d", cfg.Diagnostics.Capacity)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "config.toml", `
version = 1

[diagnostics]
cache_dir = "/var/cache/diagd"
capacity = 50

[diagnostics.theme]
mask = true

[diagnostics.theme.strings]
share_title = "Send theme logs"

[export]
mode = "legacy"
public_dir = "/home/u/Downloads/diagd"

[logging]
level = "debug"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Diagnostics.CacheDir != "/var/cache/diagd" || cfg.Diagnostics.Capacity != 50 {
		t.Errorf("diagnostics not loaded: %+v", cfg.Diagnostics)
	}
	if !cfg.Diagnostics.Theme.Mask {
		t.Error("theme mask not loaded")
	}
	if cfg.Diagnostics.Theme.Prefix != "theme" {
		t.Errorf("unset prefix should keep default, got %q", cfg.Diagnostics.Theme.Prefix)
	}
	if cfg.Diagnostics.Theme.Strings.ShareTitle != "Send theme logs" {
		t.Errorf("strings not loaded: %+v", cfg.Diagnostics.Theme.Strings)
	}
	if cfg.Export.Mode != "legacy" || cfg.Logging.Level != "debug" {
		t.Errorf("unexpected values: mode=%s level=%s", cfg.Export.Mode, cfg.Logging.Level)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
diagnostics:
  whisper:
    mask: false
    tag: Voice
notify:
  backend: log
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Diagnostics.Whisper.Mask {
		t.Error("expected whisper mask disabled")
	}
	if cfg.Diagnostics.Whisper.Tag != "Voice" || cfg.Notify.Backend != "log" {
		t.Errorf("unexpected values: %+v %+v", cfg.Diagnostics.Whisper, cfg.Notify)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
  "export": {"mode": "managed", "cleanup_orphans": false},
  "ipc": {"enabled": false}
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Export.Mode != "managed" || cfg.Export.CleanupOrphans {
		t.Errorf("unexpected export: %+v", cfg.Export)
	}
	if cfg.IPC.Enabled {
		t.Error("expected IPC disabled")
	}
}

func TestLoadJSONSchemaRejects(t *testing.T) {
	tests := map[string]string{
		"unknown key":    `{"diagnostics": {"capacty": 10}}`,
		"bad enum":       `{"export": {"mode": "cloud"}}`,
		"wrong type":     `{"diagnostics": {"capacity": "many"}}`,
		"bad prefix":     `{"diagnostics": {"whisper": {"prefix": "../x"}}}`,
		"malformed json": `{"diagnostics": `,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeFile(t, "config.json", doc)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	path := writeFile(t, "config.toml", "[diagnostics\ncapacity = ")
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	path := writeFile(t, "diagd.conf", "[logging]\nlevel = \"warn\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DIAGD_LOG_LEVEL", "error")
	t.Setenv("DIAGD_EXPORT_MODE", "legacy")
	t.Setenv("DIAGD_CACHE_DIR", "/tmp/diag-cache")
	t.Setenv("DIAGD_WHISPER_MASK", "false")
	t.Setenv("DIAGD_THEME_PREFIX", "look")
	t.Setenv("DIAGD_METRICS_ENABLED", "true")

	path := writeFile(t, "config.toml", "[logging]\nlevel = \"debug\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Logging.Level != "error" {
		t.Errorf("env should win over file, got %s", cfg.Logging.Level)
	}
	if cfg.Export.Mode != "legacy" {
		t.Errorf("expected legacy, got %s", cfg.Export.Mode)
	}
	if cfg.Diagnostics.CacheDir != "/tmp/diag-cache" {
		t.Errorf("unexpected cache dir %s", cfg.Diagnostics.CacheDir)
	}
	if cfg.Diagnostics.Whisper.Mask {
		t.Error("expected whisper mask disabled by env")
	}
	if cfg.Diagnostics.Theme.Prefix != "look" {
		t.Errorf("unexpected theme prefix %s", cfg.Diagnostics.Theme.Prefix)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled")
	}
}

func TestEnvOverrideBadValue(t *testing.T) {
	t.Setenv("DIAGD_CAPACITY", "lots")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"version", func(c *Config) { c.Version = 9 }, "version"},
		{"capacity", func(c *Config) { c.Diagnostics.Capacity = 0 }, "diagnostics.capacity"},
		{"cache dir", func(c *Config) { c.Diagnostics.CacheDir = "" }, "diagnostics.cache_dir"},
		{"prefix", func(c *Config) { c.Diagnostics.Whisper.Prefix = "Bad Prefix" }, "diagnostics.whisper.prefix"},
		{"duplicate prefix", func(c *Config) { c.Diagnostics.Theme.Prefix = "whisper" }, "diagnostics.theme.prefix"},
		{"mode", func(c *Config) { c.Export.Mode = "cloud" }, "export.mode"},
		{"index", func(c *Config) { c.Export.IndexPath = "" }, "export.index_path"},
		{"relative", func(c *Config) { c.Export.RelativePath = "../etc" }, "export.relative_path"},
		{"authority", func(c *Config) { c.Export.Authority = "a/b" }, "export.authority"},
		{"backend", func(c *Config) { c.Notify.Backend = "smoke" }, "notify.backend"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"output", func(c *Config) { c.Logging.Output = "/var/log/x" }, "logging.output"},
		{"file path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"audit", func(c *Config) { c.Audit.FilePath = "" }, "audit.file_path"},
		{"permissions", func(c *Config) { c.IPC.Permissions = "777" }, "ipc.permissions"},
		{"listen", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.ListenAddr = "nope" }, "metrics.listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("expected error on %s, got %v", tt.field, err)
			}
		})
	}
}

func TestValidateLegacySkipsIndex(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Export.Mode = "legacy"
	cfg.Export.IndexPath = ""
	cfg.Export.StorageRoot = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("legacy mode needs no index: %v", err)
	}
}

func TestSaveConfigFormats(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml", "config.json"} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Diagnostics.Capacity = 42
			cfg.Diagnostics.Theme.Strings.Unavailable = "Nothing yet"

			path := filepath.Join(t.TempDir(), "nested", name)
			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("SaveConfig: %v", err)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatal(err)
			}
			if info.Mode().Perm() != 0600 {
				t.Errorf("expected 0600, got %o", info.Mode().Perm())
			}

			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if loaded.Diagnostics.Capacity != 42 || loaded.Diagnostics.Theme.Strings.Unavailable != "Nothing yet" {
				t.Errorf("values lost: %+v", loaded.Diagnostics)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	_, created, err := LoadOrCreate(path)
	if err != nil || !created {
		t.Fatalf("expected creation, created=%v err=%v", created, err)
	}
	_, created, err = LoadOrCreate(path)
	if err != nil || created {
		t.Fatalf("expected load, created=%v err=%v", created, err)
	}
}

func TestEnsureDirectories(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Diagnostics.CacheDir = filepath.Join(root, "cache")
	cfg.Export.IndexPath = filepath.Join(root, "data", "downloads.db")
	cfg.Export.StorageRoot = filepath.Join(root, "storage")
	cfg.Audit.FilePath = filepath.Join(root, "state", "audit.log")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	for _, dir := range []string{"cache", "data", "storage", "state"} {
		if info, err := os.Stat(filepath.Join(root, dir)); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", dir, err)
		}
	}
}

func TestLoaderReload(t *testing.T) {
	path := writeFile(t, "config.toml", "[logging]\nlevel = \"info\"\n")
	l := NewLoader(path)
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var oldLevel, newLevel string
	l.OnChange(func(old, cur *Config) {
		oldLevel, newLevel = old.Logging.Level, cur.Logging.Level
	})

	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"debug\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l.reload()

	if oldLevel != "info" || newLevel != "debug" {
		t.Errorf("callback saw %q -> %q", oldLevel, newLevel)
	}
	if l.Config().Logging.Level != "debug" {
		t.Errorf("config not swapped")
	}

	// An invalid file keeps the current config and reports an error.
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \"loud\"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	l.reload()
	if l.Config().Logging.Level != "debug" {
		t.Errorf("invalid reload replaced config")
	}
	select {
	case err := <-l.Errors():
		if err == nil {
			t.Error("expected reload error")
		}
	default:
		t.Error("expected an error on the error channel")
	}
}

func TestLoaderWatch(t *testing.T) {
	path := writeFile(t, "config.toml", "[logging]\nlevel = \"info\"\n")
	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	changed := make(chan string, 4)
	l.OnChange(func(_, cur *Config) { changed <- cur.Logging.Level })

	if err := l.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatal(err)
	}

	select {
	case level := <-changed:
		if level != "warn" {
			t.Errorf("expected warn, got %s", level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after file change")
	}
}
