// Package desktop connects diagnostics notices and share requests to the
// freedesktop session bus: notifications go to org.freedesktop.Notifications
// and exported logs are handed to the OpenURI desktop portal.
package desktop

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"diagd/internal/export"
	"diagd/internal/logging"
)

// D-Bus names used by this package.
const (
	notificationsDest  = "org.freedesktop.Notifications"
	notificationsPath  = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsIface = "org.freedesktop.Notifications"

	portalDest    = "org.freedesktop.portal.Desktop"
	portalPath    = dbus.ObjectPath("/org/freedesktop/portal/desktop")
	openURIMethod = "org.freedesktop.portal.OpenURI.OpenURI"
)

// caller is the subset of dbus.BusObject this package uses.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Dispatcher runs a notice action key such as "SHARE:WHISPER".
type Dispatcher interface {
	DispatchKey(ctx context.Context, key string) (export.Handle, error)
}

// Config configures a Session.
type Config struct {
	AppName string
	Icon    string
	// Expire is how long toasts stay visible. Zero lets the server decide.
	Expire time.Duration
	// Share enables the portal sharer.
	Share bool
}

// Session is a session bus connection with the notifier and sharer bound
// to it.
type Session struct {
	conn     *dbus.Conn
	Notifier *Notifier
	Sharer   *PortalSharer
}

// Open connects to the session bus. Resolver maps handles to files for the
// sharer and may be nil when cfg.Share is false.
func Open(cfg Config, resolver export.Resolver, logger *logging.Logger) (*Session, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("connect session bus: %w", err)
	}

	s := &Session{
		conn:     conn,
		Notifier: newNotifier(conn.Object(notificationsDest, notificationsPath), cfg, logger),
	}
	if cfg.Share && resolver != nil {
		s.Sharer = newPortalSharer(conn.Object(portalDest, portalPath), resolver, logger)
	}
	return s, nil
}

// Listen routes notification action clicks to d until ctx is done.
func (s *Session) Listen(ctx context.Context, d Dispatcher) error {
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(notificationsPath),
		dbus.WithMatchInterface(notificationsIface),
	); err != nil {
		return fmt.Errorf("subscribe to notification signals: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return fmt.Errorf("session bus closed")
			}
			s.Notifier.HandleSignal(ctx, sig, d)
		}
	}
}

// Close closes the bus connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
