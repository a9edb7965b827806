package ipc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"diagd/internal/export"
)

// Common errors
var (
	ErrNotConnected     = errors.New("not connected to daemon")
	ErrConnectionLost   = errors.New("connection to daemon lost")
	ErrRequestTimeout   = errors.New("request timeout")
	ErrDaemonNotRunning = errors.New("daemon is not running")
)

// RemoteError is a failure reported by the daemon.
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("daemon error %d: %s", e.Code, e.Message)
}

// Client talks to a running daemon. Requests may be issued concurrently;
// responses are matched by request ID.
type Client struct {
	conn   net.Conn
	config ClientConfig

	// Request handling
	pending   map[uint32]chan *Message
	pendingMu sync.Mutex
	nextReqID atomic.Uint32
	writeMu   sync.Mutex

	connected atomic.Bool
	readErr   error
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// ClientConfig configures the IPC client
type ClientConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// DefaultClientConfig returns sensible defaults
func DefaultClientConfig(socketPath string) ClientConfig {
	return ClientConfig{
		SocketPath:     socketPath,
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// Dial connects to the daemon listening on cfg.SocketPath.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", cfg.SocketPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, cfg.SocketPath)
		}
		return nil, fmt.Errorf("connect: %w", err)
	}

	c := &Client{
		conn:    conn,
		config:  cfg,
		pending: make(map[uint32]chan *Message),
		done:    make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c, nil
}

// Close closes the connection to the daemon
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		c.closeErr = c.conn.Close()
		<-c.done
	})
	return c.closeErr
}

// IsConnected reports whether the connection is still usable.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

func (c *Client) readLoop() {
	defer close(c.done)

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			c.connected.Store(false)
			c.pendingMu.Lock()
			c.readErr = err
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			c.pendingMu.Unlock()
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.Header.RequestID]
		if ok {
			delete(c.pending, msg.Header.RequestID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- msg
		}
	}
}

// request sends msgType with payload and waits for the matching response.
func (c *Client) request(ctx context.Context, msgType MessageType, payload any) (*Message, error) {
	if !c.connected.Load() {
		return nil, ErrNotConnected
	}

	var body []byte
	if payload != nil {
		var err error
		if body, err = Encode(payload); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	reqID := c.nextReqID.Add(1)
	ch := make(chan *Message, 1)

	c.pendingMu.Lock()
	if c.readErr != nil {
		c.pendingMu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[reqID] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(c.config.RequestTimeout))
	err := NewMessage(msgType, reqID, body).Write(c.conn)
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.config.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		if resp.Header.Type == MsgError {
			var e ErrorResponse
			if err := Decode(resp.Payload, &e); err != nil {
				return nil, fmt.Errorf("decode error response: %w", err)
			}
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return resp, nil
	case <-timer.C:
		cleanup()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// call performs a request and decodes a response of type want into out.
func (c *Client) call(ctx context.Context, msgType, want MessageType, payload, out any) error {
	resp, err := c.request(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if resp.Header.Type != want {
		return fmt.Errorf("unexpected response %s to %s", resp.Header.Type, msgType)
	}
	if out == nil {
		return nil
	}
	if err := Decode(resp.Payload, out); err != nil {
		return fmt.Errorf("decode %s: %w", want, err)
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MsgPing, MsgPong, nil, nil)
}

// Status returns daemon and channel state.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, MsgStatusRequest, MsgStatusResponse, &StatusRequest{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Write appends text to the named channel.
func (c *Client) Write(ctx context.Context, stream, text string) (*WriteLogResponse, error) {
	var resp WriteLogResponse
	req := &WriteLogRequest{Stream: stream, Text: text}
	if err := c.call(ctx, MsgWriteLog, MsgWriteLogResp, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Share exports the named channel and offers it to the share target.
func (c *Client) Share(ctx context.Context, stream string) (export.Handle, error) {
	var resp ActionResponse
	if err := c.call(ctx, MsgShareLogs, MsgShareLogsResp, &ActionRequest{Stream: stream}, &resp); err != nil {
		return export.Handle{}, err
	}
	return resp.Handle, nil
}

// Save exports the named channel to the public downloads location.
func (c *Client) Save(ctx context.Context, stream string) (export.Handle, error) {
	var resp ActionResponse
	if err := c.call(ctx, MsgSaveLogs, MsgSaveLogsResp, &ActionRequest{Stream: stream}, &resp); err != nil {
		return export.Handle{}, err
	}
	return resp.Handle, nil
}

// Tail returns up to n buffered lines of the named channel, oldest first.
func (c *Client) Tail(ctx context.Context, stream string, n int) ([]string, error) {
	var resp TailResponse
	if err := c.call(ctx, MsgTailLogs, MsgTailLogsResp, &TailRequest{Stream: stream, Lines: n}, &resp); err != nil {
		return nil, err
	}
	return resp.Lines, nil
}

// Mask returns text as the named channel would display it.
func (c *Client) Mask(ctx context.Context, stream, text string) (string, error) {
	var resp MaskResponse
	if err := c.call(ctx, MsgMaskText, MsgMaskTextResp, &MaskRequest{Stream: stream, Text: text}, &resp); err != nil {
		return "", err
	}
	return resp.Text, nil
}

// ShowError raises an error notice on the daemon's desktop.
func (c *Client) ShowError(ctx context.Context, title, text string) error {
	return c.call(ctx, MsgShowError, MsgShowErrorResp, &ShowErrorRequest{Title: title, Text: text}, nil)
}
