package daemon

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagd/internal/config"
	"diagd/internal/diagnostics"
	"diagd/internal/export"
	"diagd/internal/ipc"
	"diagd/internal/logging"
)

// syncBuffer is a bytes sink safe for the logger and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	// Unix socket paths are short; t.TempDir can exceed the limit on macOS.
	sockDir, err := os.MkdirTemp("", "diagd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	cfg := config.DefaultConfig()
	cfg.Diagnostics.CacheDir = filepath.Join(dir, "cache")
	cfg.Export.IndexPath = filepath.Join(dir, "data", "downloads.db")
	cfg.Export.StorageRoot = filepath.Join(dir, "data", "storage")
	cfg.Export.PublicDir = filepath.Join(dir, "public")
	cfg.Export.Authority = "diagd.test"
	cfg.Notify.Backend = "none"
	cfg.Logging.FilePath = filepath.Join(dir, "log", "diagd.log")
	cfg.Audit.FilePath = filepath.Join(dir, "log", "audit.log")
	cfg.IPC.SocketPath = filepath.Join(sockDir, "d.sock")
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config, opts Options) *Daemon {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	d, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Stop(context.Background(), "test done") })
	return d
}

func dial(t *testing.T, d *Daemon) *ipc.Client {
	t.Helper()
	c, err := ipc.Dial(context.Background(), ipc.DefaultClientConfig(d.SocketPath()))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDaemonManagedRoundTrip(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg, Options{Version: "1.2.3"})
	c := dial(t, d)
	ctx := context.Background()

	_, err := c.Write(ctx, "whisper", "request with sk-abcdefghijklmnop")
	require.NoError(t, err)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", status.Version)
	assert.Equal(t, "auto", status.ExportMode)
	assert.Equal(t, "managed", status.Strategy)

	h, err := c.Save(ctx, "whisper")
	require.NoError(t, err)
	assert.Equal(t, export.KindManaged, h.Kind)
	assert.True(t, strings.HasPrefix(h.URI, "content://diagd.test/downloads/"), h.URI)

	lines, err := c.Tail(ctx, "whisper", 10)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.NotContains(t, lines[0], "sk-abcdefghijklmnop")
}

func TestDaemonLegacyMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.Export.Mode = "legacy"
	d := startDaemon(t, cfg, Options{})
	c := dial(t, d)
	ctx := context.Background()

	_, err := c.Save(ctx, "theme")
	var remote *ipc.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, ipc.ErrExportFailed, remote.Code)

	_, err = c.Write(ctx, "theme", "palette loaded")
	require.NoError(t, err)
	h, err := c.Save(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, export.KindLegacy, h.Kind)
	assert.True(t, strings.HasPrefix(h.URI, "content://diagd.test/exports/theme-"), h.URI)
	assert.FileExists(t, filepath.Join(cfg.Export.PublicDir, h.Name))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "legacy", status.Strategy)
}

func TestDaemonHealthEndpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	d := startDaemon(t, cfg, Options{})
	require.NotNil(t, d.HTTPAddr())
	base := "http://" + d.HTTPAddr().String()

	resp, err := http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	d.Center().Channel(diagnostics.Theme).Write("hello")
	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "diagd_channel_writes_total")
	assert.Contains(t, string(body), `diagd_build_info{version="dev"}`)
}

func TestDaemonWithoutIPC(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	d := startDaemon(t, cfg, Options{})

	assert.Equal(t, "", d.SocketPath())
	assert.NotContains(t, d.Checker().Names(), "ipc")

	d.Center().Channel(diagnostics.Whisper).Write("offline")
	h, err := d.Router().Dispatch(context.Background(), "save", "whisper")
	require.NoError(t, err)
	assert.Equal(t, export.KindManaged, h.Kind)
}

func TestDaemonStartTwice(t *testing.T) {
	cfg := testConfig(t)
	d := startDaemon(t, cfg, Options{})
	assert.Error(t, d.Start(context.Background()))
}

func TestDaemonStopRecordsAudit(t *testing.T) {
	cfg := testConfig(t)
	d, err := New(cfg, Options{Logger: logging.Nop()})
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	require.NoError(t, d.Stop(context.Background(), "signal"))

	data, err := os.ReadFile(cfg.Audit.FilePath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"daemon_started"`)
	assert.Contains(t, string(data), `"reason":"signal"`)
	assert.NoFileExists(t, cfg.IPC.SocketPath)
}

func TestConfigReloadChangesLogLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.Enabled = false
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	loader := config.NewLoader(path)
	loaded, err := loader.Load()
	require.NoError(t, err)

	var out syncBuffer
	logger, err := logging.New(&logging.Config{Output: "writer", Writer: &out, Level: logging.LevelInfo})
	require.NoError(t, err)

	d := startDaemon(t, loaded, Options{Logger: logger, Loader: loader})

	next := loaded.Clone()
	next.Logging.Level = "debug"
	require.NoError(t, config.SaveConfig(next, path))

	assert.Eventually(t, func() bool {
		return d.Logger().Level() == logging.LevelDebug
	}, 5*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "log level changed")
	}, time.Second, 20*time.Millisecond)
}

func TestNewExporterFallsBackToLegacy(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0600))

	c := config.DefaultConfig().Export
	c.IndexPath = filepath.Join(blocker, "downloads.db")
	c.StorageRoot = filepath.Join(dir, "storage")
	c.PublicDir = filepath.Join(dir, "public")

	e, err := NewExporter(c, nil)
	require.NoError(t, err)
	defer e.Close()
	assert.Nil(t, e.Store)
	assert.Equal(t, export.KindLegacy, e.Selector.Current())

	n, err := e.SweepPending(context.Background(), time.Hour)
	assert.NoError(t, err)
	assert.Zero(t, n)

	c.Mode = "managed"
	_, err = NewExporter(c, nil)
	assert.Error(t, err)

	c.Mode = "sideways"
	_, err = NewExporter(c, nil)
	assert.Error(t, err)
}

func TestChannelConfigs(t *testing.T) {
	c := config.DefaultConfig().Diagnostics
	c.Capacity = 42
	c.Theme.Strings.ExportFailed = "Theme export broke"

	got := ChannelConfigs(c)
	require.Len(t, got, 2)

	whisper := got[diagnostics.Whisper]
	assert.Equal(t, "Whisper", whisper.Tag)
	assert.Equal(t, 42, whisper.Capacity)
	assert.Equal(t, "sk-abcd…wxyz", whisper.Mask("sk-abcdefghijklmnopqrstuvwxyz"))

	theme := got[diagnostics.Theme]
	assert.Equal(t, "sk-abcdefghijklmnopqrstuvwxyz", theme.Mask("sk-abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "Theme export broke", theme.Strings.ExportFailed)
}

func TestSocketMode(t *testing.T) {
	m, err := socketMode("")
	require.NoError(t, err)
	assert.Equal(t, uint32(0600), m)

	m, err = socketMode("0660")
	require.NoError(t, err)
	assert.Equal(t, uint32(0660), m)

	_, err = socketMode("rw-")
	assert.Error(t, err)
}

func TestCrashDir(t *testing.T) {
	assert.Equal(t, filepath.Join("var", "log", "crashes"), crashDir(config.LoggingConfig{FilePath: filepath.Join("var", "log", "diagd.log")}))
	assert.Equal(t, logging.DefaultCrashDir(), crashDir(config.LoggingConfig{}))
}
