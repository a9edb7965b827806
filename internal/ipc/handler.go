package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"diagd/internal/diagnostics"
	"diagd/internal/export"
	"diagd/internal/logging"
	"diagd/internal/security"
)

// DaemonHandler answers requests against the daemon's diagnostics
// channels.
type DaemonHandler struct {
	mu        sync.RWMutex
	router    *diagnostics.Router
	version   string
	startedAt time.Time
	mode      string
	strategy  func() export.Kind
	validator *security.InputValidator
	logger    *logging.Logger
	server    *Server
}

// DaemonHandlerConfig configures the daemon handler
type DaemonHandlerConfig struct {
	Router  *diagnostics.Router
	Version string

	// ExportMode and Strategy are reported by status requests.
	ExportMode string
	Strategy   func() export.Kind

	// Validator checks text submitted by write requests. Nil selects
	// security.LogTextValidator.
	Validator *security.InputValidator
	Logger    *logging.Logger
}

// NewDaemonHandler creates a new daemon handler
func NewDaemonHandler(cfg DaemonHandlerConfig) *DaemonHandler {
	if cfg.Validator == nil {
		cfg.Validator = security.LogTextValidator()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &DaemonHandler{
		router:    cfg.Router,
		version:   cfg.Version,
		startedAt: time.Now(),
		mode:      cfg.ExportMode,
		strategy:  cfg.Strategy,
		validator: cfg.Validator,
		logger:    cfg.Logger.WithComponent("ipc-handler"),
	}
}

// AttachServer lets status requests report the connection count.
func (h *DaemonHandler) AttachServer(s *Server) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.server = s
}

func (h *DaemonHandler) center() *diagnostics.Center {
	return h.router.Center()
}

// HandleMessage processes an IPC message
func (h *DaemonHandler) HandleMessage(ctx context.Context, peer *Peer, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgStatusRequest:
		return h.handleStatus(ctx, msg)

	case MsgWriteLog:
		return h.handleWriteLog(ctx, msg)

	case MsgShareLogs:
		return h.handleAction(ctx, msg, diagnostics.ActionShare, MsgShareLogsResp)

	case MsgSaveLogs:
		return h.handleAction(ctx, msg, diagnostics.ActionSave, MsgSaveLogsResp)

	case MsgTailLogs:
		return h.handleTail(ctx, msg)

	case MsgMaskText:
		return h.handleMask(ctx, msg)

	case MsgShowError:
		return h.handleShowError(ctx, msg)

	default:
		return NewErrorMessage(msg.Header.RequestID, ErrUnsupported,
			fmt.Sprintf("unknown message type: %s", msg.Header.Type)), nil
	}
}

// decodeRequest decodes an optional payload into v. It returns an error
// message for the client when the payload is malformed.
func decodeRequest(msg *Message, v any) *Message {
	if len(msg.Payload) == 0 {
		return nil
	}
	if err := Decode(msg.Payload, v); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, "invalid request")
	}
	return nil
}

func (h *DaemonHandler) handleStatus(ctx context.Context, msg *Message) (*Message, error) {
	var req StatusRequest
	if bad := decodeRequest(msg, &req); bad != nil {
		return bad, nil
	}

	h.mu.RLock()
	server := h.server
	h.mu.RUnlock()

	resp := &StatusResponse{
		Version:    h.version,
		StartedAt:  h.startedAt,
		Uptime:     time.Since(h.startedAt),
		ExportMode: h.mode,
		Strategy:   export.KindNone.String(),
		Channels:   h.center().Status(),
	}
	if h.strategy != nil {
		resp.Strategy = h.strategy().String()
	}
	if server != nil {
		resp.Clients = server.ClientCount()
	}

	return NewResponse(MsgStatusResponse, msg.Header.RequestID, resp)
}

func (h *DaemonHandler) handleWriteLog(ctx context.Context, msg *Message) (*Message, error) {
	var req WriteLogRequest
	if bad := decodeRequest(msg, &req); bad != nil {
		return bad, nil
	}
	if err := h.validator.Validate(req.Text); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	ch := h.center().Lookup(req.Stream)
	ch.Write(req.Text)

	return NewResponse(MsgWriteLogResp, msg.Header.RequestID, &WriteLogResponse{
		Stream:   ch.Stream().String(),
		Buffered: ch.Len(),
	})
}

func (h *DaemonHandler) handleAction(ctx context.Context, msg *Message, action diagnostics.Action, respType MessageType) (*Message, error) {
	var req ActionRequest
	if bad := decodeRequest(msg, &req); bad != nil {
		return bad, nil
	}

	stream := h.center().Lookup(req.Stream).Stream().String()
	handle, err := h.router.Run(ctx, action, req.Stream)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		h.logger.Info("action failed", "action", action.String(), "stream", stream, "error", err)
		return NewErrorMessage(msg.Header.RequestID, ErrExportFailed, err.Error()), nil
	}

	return NewResponse(respType, msg.Header.RequestID, &ActionResponse{
		Stream: stream,
		Handle: handle,
	})
}

func (h *DaemonHandler) handleTail(ctx context.Context, msg *Message) (*Message, error) {
	var req TailRequest
	if bad := decodeRequest(msg, &req); bad != nil {
		return bad, nil
	}

	ch := h.center().Lookup(req.Stream)
	lines := ch.Lines()
	if req.Lines > 0 && len(lines) > req.Lines {
		lines = lines[len(lines)-req.Lines:]
	}

	return NewResponse(MsgTailLogsResp, msg.Header.RequestID, &TailResponse{
		Stream: ch.Stream().String(),
		Lines:  lines,
	})
}

func (h *DaemonHandler) handleMask(ctx context.Context, msg *Message) (*Message, error) {
	var req MaskRequest
	if bad := decodeRequest(msg, &req); bad != nil {
		return bad, nil
	}

	masked := h.center().Lookup(req.Stream).MaskForDisplay(req.Text)
	return NewResponse(MsgMaskTextResp, msg.Header.RequestID, &MaskResponse{Text: masked})
}

func (h *DaemonHandler) handleShowError(ctx context.Context, msg *Message) (*Message, error) {
	var req ShowErrorRequest
	if bad := decodeRequest(msg, &req); bad != nil {
		return bad, nil
	}
	if err := h.validator.Validate(req.Title + req.Text); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrInvalidRequest, err.Error()), nil
	}

	if err := h.center().ShowError(ctx, req.Title, req.Text); err != nil {
		return NewErrorMessage(msg.Header.RequestID, ErrNotifyFailed, err.Error()), nil
	}
	return NewMessage(MsgShowErrorResp, msg.Header.RequestID, nil), nil
}
