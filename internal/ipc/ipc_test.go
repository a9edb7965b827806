package ipc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diagd/internal/diagnostics"
	"diagd/internal/export"
	"diagd/internal/metrics"
)

func TestMessageRoundTrip(t *testing.T) {
	payload, err := Encode(&WriteLogRequest{Stream: "whisper", Text: "hello"})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgWriteLog, 42, payload).Write(&buf))
	assert.Equal(t, HeaderSize+len(payload), buf.Len())

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgWriteLog, msg.Header.Type)
	assert.Equal(t, uint32(42), msg.Header.RequestID)

	var req WriteLogRequest
	require.NoError(t, Decode(msg.Payload, &req))
	assert.Equal(t, "hello", req.Text)
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], 0x57495043)
	_, err := ReadHeader(bytes.NewReader(buf))
	assert.ErrorContains(t, err, "invalid magic")
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	h := Header{Magic: ProtocolMagic, Version: ProtocolVersion, Type: MsgWriteLog, Length: MaxPayloadSize + 1}
	require.NoError(t, h.Write(&buf))
	_, err := ReadMessage(&buf)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestLargePayloadIsCompressed(t *testing.T) {
	lines := make([]string, 4000)
	for i := range lines {
		lines[i] = "[09:30:15.250] the same line again and again"
	}
	payload, err := Encode(&TailResponse{Stream: "whisper", Lines: lines})
	require.NoError(t, err)
	require.Greater(t, len(payload), CompressThreshold)

	var buf bytes.Buffer
	require.NoError(t, NewMessage(MsgTailLogsResp, 7, payload).Write(&buf))
	wire := buf.Bytes()
	assert.Equal(t, FlagCompressed, wire[5]&FlagCompressed)
	assert.Less(t, len(wire), len(payload))

	msg, err := ReadMessage(bytes.NewReader(wire))
	require.NoError(t, err)
	assert.Equal(t, payload, msg.Payload)
	assert.Zero(t, msg.Header.Flags&FlagCompressed)
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "share", MsgShareLogs.String())
	assert.Equal(t, "0x0999", MessageType(0x0999).String())
}

type recordingNotifier struct {
	mu      sync.Mutex
	toasts  []string
	notices []diagnostics.Notice
}

func (r *recordingNotifier) Toast(_ context.Context, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, msg)
	return nil
}

func (r *recordingNotifier) Notify(_ context.Context, n diagnostics.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

type fixture struct {
	server   *Server
	client   *Client
	center   *diagnostics.Center
	notifier *recordingNotifier
	metrics  *metrics.Metrics
	public   string
}

// socketDir returns a short directory; unix socket paths are length limited.
func socketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "dipc")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, cfg ServerConfig, handler Handler) *Server {
	t.Helper()
	s, err := NewServer(cfg, handler)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { s.Stop() })
	return s
}

func dial(t *testing.T, socket string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), DefaultClientConfig(socket))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	public := filepath.Join(t.TempDir(), "public")
	notifier := &recordingNotifier{}
	m := metrics.New()
	center := diagnostics.NewCenter(diagnostics.Options{
		CacheDir: t.TempDir(),
		Exporter: export.NewLegacy(public, "diagd.test"),
		Notifier: notifier,
		Metrics:  m,
	})

	handler := NewDaemonHandler(DaemonHandlerConfig{
		Router:     diagnostics.NewRouter(center),
		Version:    "test",
		ExportMode: "legacy",
		Strategy:   func() export.Kind { return export.KindLegacy },
	})

	cfg := DefaultServerConfig(filepath.Join(socketDir(t), "d.sock"))
	cfg.Metrics = m
	s := startServer(t, cfg, handler)
	handler.AttachServer(s)

	return &fixture{
		server:   s,
		client:   dial(t, s.SocketPath()),
		center:   center,
		notifier: notifier,
		metrics:  m,
		public:   public,
	}
}

func TestPingAndStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.client.Ping(ctx))

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "legacy", st.ExportMode)
	assert.Equal(t, "legacy", st.Strategy)
	assert.Equal(t, 1, st.Clients)
	require.Len(t, st.Channels, 2)
	for _, ch := range st.Channels {
		assert.False(t, ch.Active, ch.Stream)
	}
}

func TestWriteTailAndMask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp, err := f.client.Write(ctx, "whisper", "key sk-ABCDEFGHIJKLMNOP sent")
	require.NoError(t, err)
	assert.Equal(t, "WHISPER", resp.Stream)
	assert.Equal(t, 1, resp.Buffered)

	_, err = f.client.Write(ctx, "nonsense", "second")
	require.NoError(t, err)

	lines, err := f.client.Tail(ctx, "whisper", 0)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "] key sk-ABCD…MNOP sent"), lines[0])
	assert.True(t, strings.HasSuffix(lines[1], "] second"), lines[1])

	last, err := f.client.Tail(ctx, "", 1)
	require.NoError(t, err)
	assert.Equal(t, lines[1:], last)

	masked, err := f.client.Mask(ctx, "whisper", "sk-ZYXWVUTSRQPO")
	require.NoError(t, err)
	assert.Equal(t, "sk-ZYXW…RQPO", masked)

	plain, err := f.client.Mask(ctx, "theme", "sk-ZYXWVUTSRQPO")
	require.NoError(t, err)
	assert.Equal(t, "sk-ZYXWVUTSRQPO", plain)
}

func TestWriteRejectsInvalidText(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Write(context.Background(), "whisper", "bad\x00text")
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInvalidRequest, remote.Code)
	assert.Equal(t, 0, f.center.Channel(diagnostics.Whisper).Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IPCRequests.WithLabelValues("write", "failure")))
}

func TestSaveAndShare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.client.Write(ctx, "theme", "palette loaded")
	require.NoError(t, err)

	h, err := f.client.Save(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, export.KindLegacy, h.Kind)
	assert.True(t, strings.HasPrefix(h.Name, "theme-"), h.Name)
	assert.Equal(t, "content://diagd.test/exports/"+h.Name, h.URI)
	assert.FileExists(t, filepath.Join(f.public, h.Name))

	shared, err := f.client.Share(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, h.URI, shared.URI)

	f.notifier.mu.Lock()
	assert.Contains(t, f.notifier.toasts, "Theme logs saved")
	f.notifier.mu.Unlock()
}

func TestSaveWithoutLogsFails(t *testing.T) {
	f := newFixture(t)

	h, err := f.client.Save(context.Background(), "whisper")
	assert.True(t, h.IsZero())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrExportFailed, remote.Code)
}

func TestShowError(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.client.ShowError(context.Background(), "Transcription failed", "401 for sk-ABCDEFGHIJKLMNOP"))

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.notices, 1)
	n := f.notifier.notices[0]
	assert.Equal(t, "Transcription failed", n.Title)
	assert.Equal(t, "401 for sk-ABCD…MNOP", n.Body)
	require.Len(t, n.Actions, 3)
	assert.Equal(t, "SHARE:WHISPER", n.Actions[0].Key())
}

func TestUnknownMessageType(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.request(context.Background(), MessageType(0x0999), nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrUnsupported, remote.Code)
}

func TestRequestTimeout(t *testing.T) {
	cfg := DefaultServerConfig(filepath.Join(socketDir(t), "d.sock"))
	cfg.RequestTimeout = 50 * time.Millisecond
	s := startServer(t, cfg, HandlerFunc(func(ctx context.Context, _ *Peer, _ *Message) (*Message, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	c := dial(t, s.SocketPath())

	_, err := c.Status(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrTimeout, remote.Code)
}

func TestHandlerPanicKeepsConnection(t *testing.T) {
	cfg := DefaultServerConfig(filepath.Join(socketDir(t), "d.sock"))
	s := startServer(t, cfg, HandlerFunc(func(context.Context, *Peer, *Message) (*Message, error) {
		panic("boom")
	}))
	c := dial(t, s.SocketPath())

	_, err := c.Status(context.Background())
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, ErrInternalError, remote.Code)
	assert.Contains(t, remote.Message, "boom")

	assert.NoError(t, c.Ping(context.Background()))
}

func TestStartRefusesLiveSocket(t *testing.T) {
	f := newFixture(t)

	other, err := NewServer(DefaultServerConfig(f.server.SocketPath()), HandlerFunc(nil))
	require.NoError(t, err)
	assert.ErrorIs(t, other.Start(), ErrAlreadyRunning)
}

func TestStopRemovesSocket(t *testing.T) {
	socket := filepath.Join(socketDir(t), "d.sock")
	first := startServer(t, DefaultServerConfig(socket), HandlerFunc(nil))
	require.NoError(t, first.Stop())
	assert.NoFileExists(t, socket)

	second := startServer(t, DefaultServerConfig(socket), HandlerFunc(nil))
	assert.True(t, second.Running())
	info, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestDialWithoutDaemon(t *testing.T) {
	_, err := Dial(context.Background(), DefaultClientConfig(filepath.Join(socketDir(t), "missing.sock")))
	assert.True(t, errors.Is(err, ErrDaemonNotRunning), "got %v", err)
}

func TestClientAfterServerStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Ping(context.Background()))
	require.NoError(t, f.server.Stop())

	require.Eventually(t, func() bool { return !f.client.IsConnected() }, 2*time.Second, 10*time.Millisecond)
	err := f.client.Ping(context.Background())
	assert.True(t, errors.Is(err, ErrNotConnected) || errors.Is(err, ErrConnectionLost), "got %v", err)
}
