package desktop

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"diagd/internal/diagnostics"
	"diagd/internal/logging"
)

// Notifier renders toasts and notices through the notification server.
type Notifier struct {
	obj     caller
	appName string
	icon    string
	expire  int32
	logger  *logging.Logger

	capsOnce sync.Once
	body     bool
	actions  bool

	mu       sync.Mutex
	noticeID uint32
	owned    map[uint32]struct{}
}

func newNotifier(obj caller, cfg Config, logger *logging.Logger) *Notifier {
	expire := int32(-1)
	if cfg.Expire > 0 {
		expire = int32(cfg.Expire.Milliseconds())
	}
	return &Notifier{
		obj:     obj,
		appName: cfg.AppName,
		icon:    cfg.Icon,
		expire:  expire,
		logger:  logger.WithComponent("desktop"),
		owned:   make(map[uint32]struct{}),
	}
}

// capabilities asks the server once whether it renders bodies and actions.
// A server that cannot answer is assumed to support both.
func (n *Notifier) capabilities(ctx context.Context) (body, actions bool) {
	n.capsOnce.Do(func() {
		n.body, n.actions = true, true
		var caps []string
		if err := n.obj.CallWithContext(ctx, notificationsIface+".GetCapabilities", 0).Store(&caps); err != nil {
			n.logger.Debug("capabilities unavailable", "error", err)
			return
		}
		n.body, n.actions = false, false
		for _, c := range caps {
			switch c {
			case "body":
				n.body = true
			case "actions":
				n.actions = true
			}
		}
	})
	return n.body, n.actions
}

func (n *Notifier) notify(ctx context.Context, replaces uint32, summary, body string, actions []string, hints map[string]dbus.Variant, expire int32) (uint32, error) {
	if actions == nil {
		actions = []string{}
	}
	var id uint32
	err := n.obj.CallWithContext(ctx, notificationsIface+".Notify", 0,
		n.appName, replaces, n.icon, summary, body, actions, hints, expire,
	).Store(&id)
	if err != nil {
		return 0, fmt.Errorf("notify: %w", err)
	}
	return id, nil
}

// Toast shows a short transient message.
func (n *Notifier) Toast(ctx context.Context, msg string) error {
	hints := map[string]dbus.Variant{"transient": dbus.MakeVariant(true)}
	_, err := n.notify(ctx, 0, msg, "", nil, hints, n.expire)
	return err
}

// Notify shows a notice with its actions. Each notice replaces the
// previous one.
func (n *Notifier) Notify(ctx context.Context, notice diagnostics.Notice) error {
	hasBody, hasActions := n.capabilities(ctx)

	summary, body := notice.Title, notice.Body
	if !hasBody {
		summary, body = notice.Title+": "+notice.Summary, ""
	}

	var actions []string
	if hasActions {
		for _, a := range notice.Actions {
			actions = append(actions, a.Key(), a.Label)
		}
	}

	n.mu.Lock()
	replaces := n.noticeID
	n.mu.Unlock()

	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(byte(1))}
	id, err := n.notify(ctx, replaces, summary, body, actions, hints, 0)
	if err != nil {
		return err
	}

	n.mu.Lock()
	delete(n.owned, replaces)
	n.noticeID = id
	n.owned[id] = struct{}{}
	n.mu.Unlock()
	return nil
}

func (n *Notifier) owns(id uint32) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.owned[id]
	return ok
}

// HandleSignal reacts to ActionInvoked and NotificationClosed signals for
// notices raised by n. Other signals are ignored.
func (n *Notifier) HandleSignal(ctx context.Context, sig *dbus.Signal, d Dispatcher) {
	if sig == nil || len(sig.Body) < 2 {
		return
	}
	id, ok := sig.Body[0].(uint32)
	if !ok || !n.owns(id) {
		return
	}

	switch sig.Name {
	case notificationsIface + ".ActionInvoked":
		key, ok := sig.Body[1].(string)
		if !ok {
			return
		}
		h, err := d.DispatchKey(ctx, key)
		if err != nil {
			n.logger.Info("notice action failed", "key", key, "error", err)
			return
		}
		n.logger.Debug("notice action", "key", key, "uri", h.URI)

	case notificationsIface + ".NotificationClosed":
		n.mu.Lock()
		delete(n.owned, id)
		if n.noticeID == id {
			n.noticeID = 0
		}
		n.mu.Unlock()
	}
}
