// Package ipc carries requests between the diagd daemon and its clients
// (diagctl, producers that write log lines, desktop front ends).
//
// Every message is a 16-byte big-endian header followed by a JSON
// payload. Large payloads are zstd compressed and flagged in the header.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"diagd/internal/diagnostics"
	"diagd/internal/export"
)

// Protocol version for compatibility checking
const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x44495043 // "DIPC"
)

// MessageType identifies the type of IPC message
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing  MessageType = 0x0001
	MsgPong  MessageType = 0x0002
	MsgError MessageType = 0x0005

	// Status messages (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Channel operations (0x02xx)
	MsgWriteLog      MessageType = 0x0200
	MsgWriteLogResp  MessageType = 0x0201
	MsgShareLogs     MessageType = 0x0202
	MsgShareLogsResp MessageType = 0x0203
	MsgSaveLogs      MessageType = 0x0204
	MsgSaveLogsResp  MessageType = 0x0205
	MsgTailLogs      MessageType = 0x0206
	MsgTailLogsResp  MessageType = 0x0207

	// Display helpers (0x03xx)
	MsgMaskText      MessageType = 0x0300
	MsgMaskTextResp  MessageType = 0x0301
	MsgShowError     MessageType = 0x0302
	MsgShowErrorResp MessageType = 0x0303
)

var messageNames = map[MessageType]string{
	MsgPing:           "ping",
	MsgPong:           "pong",
	MsgError:          "error",
	MsgStatusRequest:  "status",
	MsgStatusResponse: "status_resp",
	MsgWriteLog:       "write",
	MsgWriteLogResp:   "write_resp",
	MsgShareLogs:      "share",
	MsgShareLogsResp:  "share_resp",
	MsgSaveLogs:       "save",
	MsgSaveLogsResp:   "save_resp",
	MsgTailLogs:       "tail",
	MsgTailLogsResp:   "tail_resp",
	MsgMaskText:       "mask",
	MsgMaskTextResp:   "mask_resp",
	MsgShowError:      "show_error",
	MsgShowErrorResp:  "show_error_resp",
}

// String returns a short lowercase name used in logs and metric labels.
func (t MessageType) String() string {
	if name, ok := messageNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Header is the fixed-size message header (16 bytes)
type Header struct {
	Magic     uint32      // Protocol magic number
	Version   uint8       // Protocol version
	Flags     uint8       // Message flags
	Type      MessageType // Message type
	RequestID uint32      // Request ID for correlation
	Length    uint32      // Payload length (not including header)
}

// HeaderSize is the size of the header in bytes
const HeaderSize = 16

// Header flags
const (
	FlagCompressed uint8 = 0x01
)

const (
	// MaxPayloadSize bounds a single payload on the wire.
	MaxPayloadSize = 16 * 1024 * 1024

	// CompressThreshold is the payload size above which responses are
	// zstd compressed.
	CompressThreshold = 32 * 1024
)

// ErrPayloadTooLarge is returned when a header announces more than
// MaxPayloadSize bytes.
var ErrPayloadTooLarge = errors.New("ipc: payload too large")

// Message wraps a header and payload. Payload is always held uncompressed.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to a writer
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads a header from a reader
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %x", h.Magic)
	}

	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}

	return h, nil
}

// Write writes the message to a writer, compressing payloads larger than
// CompressThreshold.
func (m *Message) Write(w io.Writer) error {
	h := m.Header
	payload := m.Payload
	h.Flags &^= FlagCompressed
	if len(payload) > CompressThreshold {
		payload = compress(payload)
		h.Flags |= FlagCompressed
	}
	h.Length = uint32(len(payload))

	if err := h.Write(w); err != nil {
		return err
	}
	if len(payload) > 0 {
		_, err := w.Write(payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from a reader
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > MaxPayloadSize {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}

	if h.Flags&FlagCompressed != 0 {
		plain, err := decompress(m.Payload)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		m.Payload = plain
		m.Header.Flags &^= FlagCompressed
		m.Header.Length = uint32(len(plain))
	}

	return m, nil
}

var (
	codecOnce sync.Once
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	codecOnce.Do(func() {
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		decoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	})
	return encoder, decoder
}

func compress(p []byte) []byte {
	enc, _ := codecs()
	return enc.EncodeAll(p, make([]byte, 0, len(p)/2))
}

func decompress(p []byte) ([]byte, error) {
	_, dec := codecs()
	return dec.DecodeAll(p, nil)
}

// Request/Response payloads

// StatusRequest asks for daemon and channel state.
type StatusRequest struct{}

// StatusResponse describes a running daemon.
type StatusResponse struct {
	Version    string                      `json:"version"`
	StartedAt  time.Time                   `json:"started_at"`
	Uptime     time.Duration               `json:"uptime"`
	ExportMode string                      `json:"export_mode"`
	Strategy   string                      `json:"strategy"`
	Clients    int                         `json:"clients"`
	Channels   []diagnostics.ChannelStatus `json:"channels"`
}

// WriteLogRequest appends one message to a channel.
type WriteLogRequest struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// WriteLogResponse reports where the message went.
type WriteLogResponse struct {
	Stream   string `json:"stream"`
	Buffered int    `json:"buffered"`
}

// ActionRequest selects the channel for a share or save. A blank or
// unknown stream selects the default channel.
type ActionRequest struct {
	Stream string `json:"stream,omitempty"`
}

// ActionResponse carries the export produced by a share or save.
type ActionResponse struct {
	Stream string        `json:"stream"`
	Handle export.Handle `json:"handle"`
}

// TailRequest asks for the newest buffered lines of a channel. Lines <= 0
// returns the whole buffer.
type TailRequest struct {
	Stream string `json:"stream,omitempty"`
	Lines  int    `json:"lines,omitempty"`
}

// TailResponse holds buffered lines, oldest first.
type TailResponse struct {
	Stream string   `json:"stream"`
	Lines  []string `json:"lines"`
}

// MaskRequest asks a channel to mask text for display.
type MaskRequest struct {
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text"`
}

// MaskResponse holds masked text.
type MaskResponse struct {
	Text string `json:"text"`
}

// ShowErrorRequest raises an error notice with share and save actions.
type ShowErrorRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

// ErrorResponse is sent when a request fails
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// Error codes
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrInternalError  = 3
	ErrTimeout        = 4
	ErrExportFailed   = 5
	ErrNotifyFailed   = 6
	ErrUnsupported    = 7
)

// Encode encodes a payload to JSON bytes
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes to a payload
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error message
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{
		Code:    code,
		Message: message,
	})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
