package desktop

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagd/internal/diagnostics"
	"diagd/internal/export"
	"diagd/internal/logging"
)

type call struct {
	method string
	args   []interface{}
}

// fakeBus answers method calls from a table of canned bodies.
type fakeBus struct {
	mu      sync.Mutex
	calls   []call
	replies map[string][]interface{}
	errs    map[string]error
	nextID  uint32
}

func newFakeBus() *fakeBus {
	return &fakeBus{replies: map[string][]interface{}{}, errs: map[string]error{}}
}

func (f *fakeBus) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{method: method, args: args})
	if err := f.errs[method]; err != nil {
		return &dbus.Call{Err: err}
	}
	if body, ok := f.replies[method]; ok {
		return &dbus.Call{Body: body}
	}
	if method != notifyMethod {
		return &dbus.Call{Err: errors.New("no reply for " + method)}
	}
	f.nextID++
	return &dbus.Call{Body: []interface{}{f.nextID}}
}

func (f *fakeBus) callsTo(method string) []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []call
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

const notifyMethod = notificationsIface + ".Notify"

func testNotice() diagnostics.Notice {
	return diagnostics.Notice{
		Title:   "Transcription failed",
		Summary: "short",
		Body:    "long body",
		Actions: []diagnostics.NoticeAction{
			{Action: diagnostics.ActionShare, Stream: diagnostics.Whisper, Label: "Share Whisper logs"},
			{Action: diagnostics.ActionSave, Stream: diagnostics.Whisper, Label: "Save logs"},
		},
	}
}

func TestToast(t *testing.T) {
	bus := newFakeBus()
	n := newNotifier(bus, Config{AppName: "diagd", Icon: "dialog-information", Expire: 4 * time.Second}, logging.Nop())

	require.NoError(t, n.Toast(context.Background(), "Whisper logs saved"))

	calls := bus.callsTo(notifyMethod)
	require.Len(t, calls, 1)
	args := calls[0].args
	assert.Equal(t, "diagd", args[0])
	assert.Equal(t, uint32(0), args[1])
	assert.Equal(t, "dialog-information", args[2])
	assert.Equal(t, "Whisper logs saved", args[3])
	assert.Equal(t, []string{}, args[5])
	assert.Equal(t, int32(4000), args[7])
}

func TestNotifyActionsAndReplace(t *testing.T) {
	bus := newFakeBus()
	bus.replies[notificationsIface+".GetCapabilities"] = []interface{}{[]string{"body", "actions"}}
	n := newNotifier(bus, Config{AppName: "diagd"}, logging.Nop())
	ctx := context.Background()

	require.NoError(t, n.Notify(ctx, testNotice()))
	require.NoError(t, n.Notify(ctx, testNotice()))

	calls := bus.callsTo(notifyMethod)
	require.Len(t, calls, 2)
	first := calls[0].args
	assert.Equal(t, uint32(0), first[1])
	assert.Equal(t, "Transcription failed", first[3])
	assert.Equal(t, "long body", first[4])
	assert.Equal(t, []string{"SHARE:WHISPER", "Share Whisper logs", "SAVE:WHISPER", "Save logs"}, first[5])

	assert.Equal(t, uint32(1), calls[1].args[1], "second notice replaces the first")
	assert.False(t, n.owns(1))
	assert.True(t, n.owns(2))
	assert.Len(t, bus.callsTo(notificationsIface+".GetCapabilities"), 1)
}

func TestNotifyWithoutBodyOrActions(t *testing.T) {
	bus := newFakeBus()
	bus.replies[notificationsIface+".GetCapabilities"] = []interface{}{[]string{"persistence"}}
	n := newNotifier(bus, Config{}, logging.Nop())

	require.NoError(t, n.Notify(context.Background(), testNotice()))

	args := bus.callsTo(notifyMethod)[0].args
	assert.Equal(t, "Transcription failed: short", args[3])
	assert.Equal(t, "", args[4])
	assert.Equal(t, []string{}, args[5])
}

func TestNotifyError(t *testing.T) {
	bus := newFakeBus()
	bus.errs[notifyMethod] = errors.New("no server")
	n := newNotifier(bus, Config{}, logging.Nop())

	assert.Error(t, n.Notify(context.Background(), testNotice()))
	assert.Error(t, n.Toast(context.Background(), "x"))
}

type fakeDispatcher struct {
	keys []string
	err  error
}

func (f *fakeDispatcher) DispatchKey(_ context.Context, key string) (export.Handle, error) {
	f.keys = append(f.keys, key)
	return export.Handle{URI: "content://x/" + key}, f.err
}

func TestHandleSignal(t *testing.T) {
	bus := newFakeBus()
	n := newNotifier(bus, Config{}, logging.Nop())
	ctx := context.Background()
	require.NoError(t, n.Notify(ctx, testNotice()))
	d := &fakeDispatcher{}

	invoked := func(id uint32, key string) *dbus.Signal {
		return &dbus.Signal{Name: notificationsIface + ".ActionInvoked", Body: []interface{}{id, key}}
	}

	n.HandleSignal(ctx, invoked(1, "SAVE:THEME"), d)
	n.HandleSignal(ctx, invoked(99, "SHARE:WHISPER"), d)
	n.HandleSignal(ctx, &dbus.Signal{Name: notificationsIface + ".ActionInvoked", Body: []interface{}{uint32(1)}}, d)
	n.HandleSignal(ctx, nil, d)
	assert.Equal(t, []string{"SAVE:THEME"}, d.keys)

	d.err = errors.New("export failed")
	n.HandleSignal(ctx, invoked(1, "SHARE:WHISPER"), d)
	assert.Len(t, d.keys, 2)

	n.HandleSignal(ctx, &dbus.Signal{Name: notificationsIface + ".NotificationClosed", Body: []interface{}{uint32(1), uint32(2)}}, d)
	assert.False(t, n.owns(1))
	n.HandleSignal(ctx, invoked(1, "SAVE:WHISPER"), d)
	assert.Len(t, d.keys, 2)
}

func TestPortalShare(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "whisper-20261018.log"), []byte("x\n"), 0644))
	provider := &export.Provider{Authority: "diagd.test", Root: dir}

	bus := newFakeBus()
	bus.replies[openURIMethod] = []interface{}{dbus.ObjectPath("/org/freedesktop/portal/desktop/request/1_1/t")}
	s := newPortalSharer(bus, provider, logging.Nop())

	h := export.Handle{URI: provider.URIFor("whisper-20261018.log"), Name: "whisper-20261018.log", Kind: export.KindLegacy}
	require.NoError(t, s.Share(context.Background(), h, "Share Whisper diagnostics"))

	calls := bus.callsTo(openURIMethod)
	require.Len(t, calls, 1)
	assert.Equal(t, "", calls[0].args[0])
	assert.Equal(t, "file://"+filepath.ToSlash(filepath.Join(dir, "whisper-20261018.log")), calls[0].args[1])
	opts := calls[0].args[2].(map[string]dbus.Variant)
	assert.Equal(t, true, opts["ask"].Value())
	token := opts["handle_token"].Value().(string)
	assert.True(t, strings.HasPrefix(token, "diagd_"))
	assert.NotContains(t, token, "-")
}

func TestPortalShareUnknownHandle(t *testing.T) {
	provider := &export.Provider{Authority: "diagd.test", Root: t.TempDir()}
	bus := newFakeBus()
	s := newPortalSharer(bus, provider, logging.Nop())

	err := s.Share(context.Background(), export.Handle{URI: "content://diagd.test/exports/missing.log"}, "t")
	assert.ErrorIs(t, err, export.ErrNotFound)
	assert.Empty(t, bus.callsTo(openURIMethod))
}

func TestLogNotifier(t *testing.T) {
	var buf strings.Builder
	logger, err := logging.New(&logging.Config{Output: "writer", Writer: &buf, Level: logging.LevelInfo})
	require.NoError(t, err)

	n := NewLogNotifier(logger)
	require.NoError(t, n.Toast(context.Background(), "Theme logs saved"))
	require.NoError(t, n.Notify(context.Background(), testNotice()))

	out := buf.String()
	assert.Contains(t, out, "Theme logs saved")
	assert.Contains(t, out, "Transcription failed")
	assert.Contains(t, out, "SHARE:WHISPER")
}
