// Package daemon assembles diagd from its configuration: the diagnostics
// channels, the export strategies, the desktop session, the IPC server and
// the health endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"diagd/internal/config"
	"diagd/internal/desktop"
	"diagd/internal/diagnostics"
	"diagd/internal/health"
	"diagd/internal/ipc"
	"diagd/internal/logging"
	"diagd/internal/metrics"
)

// shutdownTimeout bounds the HTTP server drain on Stop.
const shutdownTimeout = 5 * time.Second

// Options configures a Daemon beyond its Config.
type Options struct {
	Version string

	// Logger replaces the logger built from the logging section.
	Logger *logging.Logger

	// Loader, when set, is watched for changes after Start.
	Loader *config.Loader
}

// Daemon is a running diagd instance.
type Daemon struct {
	cfg     *config.Config
	version string

	logger     *logging.Logger
	ownsLogger bool
	audit      *logging.AuditLogger
	metrics    *metrics.Metrics
	crash      *logging.CrashHandler

	exporter *Exporter
	session  *desktop.Session
	notifier diagnostics.Notifier
	sharer   diagnostics.Sharer
	center   *diagnostics.Center
	router   *diagnostics.Router

	handler *ipc.DaemonHandler
	server  *ipc.Server

	checker    *health.Checker
	httpServer *http.Server
	httpAddr   net.Addr

	loader     *config.Loader
	configPath string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a daemon from cfg. Nothing listens until Start.
func New(cfg *config.Config, opts Options) (*Daemon, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	d := &Daemon{
		cfg:     cfg,
		version: opts.Version,
		loader:  opts.Loader,
		metrics: metrics.New(),
		checker: health.NewChecker(),
	}
	if d.loader != nil {
		d.configPath = d.loader.Path()
	}
	d.metrics.SetVersion(d.version)

	d.logger = opts.Logger
	if d.logger == nil {
		logger, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		d.logger = logger
		d.ownsLogger = true
	}

	if err := cfg.EnsureDirectories(); err != nil {
		d.close()
		return nil, err
	}

	audit, err := NewAuditLogger(cfg.Audit)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	d.audit = audit

	d.crash = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  crashDir(cfg.Logging),
		Version:   d.version,
		Component: "diagd",
		Logger:    d.logger.Logger,
	})

	d.exporter, err = NewExporter(cfg.Export, d.logger)
	if err != nil {
		d.close()
		return nil, err
	}

	d.openNotifier()

	d.center = diagnostics.NewCenter(diagnostics.Options{
		CacheDir: cfg.Diagnostics.CacheDir,
		Channels: ChannelConfigs(cfg.Diagnostics),
		Exporter: d.exporter.Selector,
		Notifier: d.notifier,
		Sharer:   d.sharer,
		Logger:   d.logger,
		Audit:    d.audit,
		Metrics:  d.metrics,
	})
	d.router = diagnostics.NewRouter(d.center)

	if cfg.IPC.Enabled {
		if err := d.buildServer(); err != nil {
			d.close()
			return nil, err
		}
	}

	d.registerChecks()
	return d, nil
}

// openNotifier picks the notice backend. A bus that cannot be reached
// degrades to logging notices.
func (d *Daemon) openNotifier() {
	n := d.cfg.Notify
	switch n.Backend {
	case "none":
		return
	case "log":
		d.notifier = desktop.NewLogNotifier(d.logger)
		return
	}

	session, err := desktop.Open(desktop.Config{
		AppName: n.AppName,
		Icon:    n.Icon,
		Expire:  time.Duration(n.ExpireMs) * time.Millisecond,
		Share:   n.Share,
	}, d.exporter.Resolvers, d.logger)
	if err != nil {
		d.logger.Warn("desktop notifications unavailable, logging notices", "error", err)
		d.notifier = desktop.NewLogNotifier(d.logger)
		return
	}
	d.session = session
	d.notifier = session.Notifier
	if session.Sharer != nil {
		d.sharer = session.Sharer
	}
}

func (d *Daemon) buildServer() error {
	perm, err := socketMode(d.cfg.IPC.Permissions)
	if err != nil {
		return err
	}

	d.handler = ipc.NewDaemonHandler(ipc.DaemonHandlerConfig{
		Router:     d.router,
		Version:    d.version,
		ExportMode: string(d.exporter.Mode),
		Strategy:   d.exporter.Selector.Current,
		Logger:     d.logger,
	})

	serverCfg := ipc.DefaultServerConfig(d.cfg.IPC.SocketPath)
	serverCfg.Version = d.version
	serverCfg.Permissions = os.FileMode(perm)
	serverCfg.MaxConnections = d.cfg.IPC.MaxConnections
	serverCfg.RequestTimeout = time.Duration(d.cfg.IPC.TimeoutSec) * time.Second
	serverCfg.Logger = d.logger
	serverCfg.Metrics = d.metrics
	serverCfg.Crash = d.crash

	server, err := ipc.NewServer(serverCfg, d.handler)
	if err != nil {
		return fmt.Errorf("create ipc server: %w", err)
	}
	d.handler.AttachServer(server)
	d.server = server
	return nil
}

func (d *Daemon) registerChecks() {
	d.checker.RegisterFunc("cache", true, health.DirWritableCheck(d.cfg.Diagnostics.CacheDir))
	if st := d.exporter.Store; st != nil {
		d.checker.RegisterFunc("index", false, health.PingCheck("index", st.Ping))
	}
	if d.server != nil {
		d.checker.RegisterFunc("ipc", true, health.SocketCheck(d.server.SocketPath()))
	}
}

// Start sweeps abandoned exports, then starts the IPC server, the desktop
// signal listener, the HTTP endpoint and the config watcher.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return errors.New("daemon already running")
	}

	maxAge := time.Duration(d.cfg.Export.PendingMaxAgeHours) * time.Hour
	if n, err := d.exporter.SweepPending(ctx, maxAge); err != nil {
		d.logger.Warn("sweep pending exports", "error", err)
	} else if n > 0 {
		d.logger.Info("removed abandoned exports", "count", n)
	}

	if d.server != nil {
		if err := d.server.Start(); err != nil {
			return fmt.Errorf("start ipc server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	if d.session != nil {
		d.goRun("desktop-listen", func() {
			if err := d.session.Listen(runCtx, d.router); err != nil {
				d.logger.Warn("notification actions unavailable", "error", err)
			}
		})
	}

	if d.cfg.Metrics.Enabled {
		if err := d.startHTTP(); err != nil {
			cancel()
			if d.server != nil {
				d.server.Stop()
			}
			return err
		}
	}

	if d.loader != nil {
		d.loader.OnChange(d.applyConfig)
		if err := d.loader.Watch(); err != nil {
			d.logger.Warn("config hot reload disabled", "path", d.loader.Path(), "error", err)
		} else {
			errc := d.loader.Errors()
			d.goRun("config-errors", func() { d.watchErrors(runCtx, errc) })
		}
	}

	d.running = true
	d.checker.SetReady(true)

	details := map[string]interface{}{
		"export_mode": string(d.exporter.Mode),
		"notify":      d.cfg.Notify.Backend,
	}
	if d.server != nil {
		details["socket"] = d.server.SocketPath()
	}
	if err := d.audit.LogStartup(ctx, d.version, details); err != nil {
		d.logger.Warn("audit startup", "error", err)
	}
	d.logger.Info("daemon started", "version", d.version, "export_mode", d.exporter.Mode, "socket", d.SocketPath())
	return nil
}

func (d *Daemon) startHTTP() error {
	ln, err := net.Listen("tcp", d.cfg.Metrics.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.cfg.Metrics.ListenAddr, err)
	}
	d.httpAddr = ln.Addr()
	d.httpServer = &http.Server{
		Handler:           health.NewMux(d.checker, d.metrics.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := d.httpServer
	d.goRun("http", func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("metrics endpoint stopped", "error", err)
		}
	})
	return nil
}

func (d *Daemon) watchErrors(ctx context.Context, errc <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errc:
			d.logger.Warn("config reload rejected", "error", err)
		}
	}
}

// goRun runs fn on a tracked goroutine with panic recovery.
func (d *Daemon) goRun(name string, fn func()) {
	d.wg.Add(1)
	d.crash.Go(name, func() {
		defer d.wg.Done()
		fn()
	})
}

// Stop shuts everything down in reverse order and records reason in the
// audit trail. Stopping a daemon that was never started releases its
// resources.
func (d *Daemon) Stop(ctx context.Context, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checker.SetReady(false)
	var errs []error

	if d.loader != nil {
		if err := d.loader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close config watcher: %w", err))
		}
		d.loader = nil
	}
	if d.httpServer != nil {
		sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		if err := d.httpServer.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http: %w", err))
		}
		cancel()
		d.httpServer = nil
	}
	if d.server != nil && d.server.Running() {
		if err := d.server.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop ipc server: %w", err))
		}
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	if d.running {
		if err := d.audit.LogShutdown(ctx, reason); err != nil {
			errs = append(errs, fmt.Errorf("audit shutdown: %w", err))
		}
		d.logger.Info("daemon stopped", "reason", reason)
	}
	d.running = false

	if err := d.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// close releases what New opened.
func (d *Daemon) close() error {
	var errs []error
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close session bus: %w", err))
		}
		d.session = nil
	}
	if d.exporter != nil {
		if err := d.exporter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
		d.exporter.Store = nil
	}
	if err := d.audit.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close audit log: %w", err))
	}
	d.audit = nil
	if d.ownsLogger && d.logger != nil {
		d.logger.Close()
		d.ownsLogger = false
	}
	return errors.Join(errs...)
}

// SocketPath returns the IPC socket path, or "" when IPC is disabled.
func (d *Daemon) SocketPath() string {
	if d.server == nil {
		return ""
	}
	return d.server.SocketPath()
}

// HTTPAddr returns the address the health endpoint listens on, or nil.
func (d *Daemon) HTTPAddr() net.Addr {
	return d.httpAddr
}

// Router returns the action router.
func (d *Daemon) Router() *diagnostics.Router {
	return d.router
}

// Center returns the channel registry.
func (d *Daemon) Center() *diagnostics.Center {
	return d.center
}

// Logger returns the daemon logger.
func (d *Daemon) Logger() *logging.Logger {
	return d.logger
}

// Metrics returns the daemon metrics.
func (d *Daemon) Metrics() *metrics.Metrics {
	return d.metrics
}

// Checker returns the health checker.
func (d *Daemon) Checker() *health.Checker {
	return d.checker
}
