package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketTransport speaks JSON-RPC over a single WebSocket connection, one
// protocol message per text frame. The connection allows only one concurrent
// writer, so all sends funnel through a dedicated writer goroutine while a
// reader goroutine decodes incoming frames and resolves pending requests.
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
	notify NotificationHandler

	mu     sync.Mutex
	handle *wsHandle
}

// WSOption configures a WebSocketTransport.
type WSOption func(*WebSocketTransport)

// WithWSLogger sets the logger used for session diagnostics.
func WithWSLogger(logger *slog.Logger) WSOption {
	return func(t *WebSocketTransport) {
		t.logger = logger
	}
}

// WithWSNotifications sets the handler receiving server-pushed notifications.
func WithWSNotifications(h NotificationHandler) WSOption {
	return func(t *WebSocketTransport) {
		t.notify = h
	}
}

// WithWSDialer sets a custom dialer, for TLS or proxy configuration.
func WithWSDialer(dialer *websocket.Dialer) WSOption {
	return func(t *WebSocketTransport) {
		t.dialer = dialer
	}
}

// NewWebSocketTransport creates a transport that will dial wsURL when Start is
// called.
func NewWebSocketTransport(wsURL string, options ...WSOption) *WebSocketTransport {
	t := &WebSocketTransport{
		url:    wsURL,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Start dials the server and begins the session loops.
func (t *WebSocketTransport) Start(ctx context.Context) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != nil {
		return nil, transportErr("websocket", "start", errors.New("already started"))
	}

	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, transportErr("websocket", "dial", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	sessID := uuid.New().String()
	logger := t.logger.With(
		slog.String("transport", "websocket"),
		slog.String("session", sessID),
	)

	h := &wsHandle{
		sessionID: sessID,
		logger:    logger,
		notify:    t.notify,
		conn:      conn,
		writes:    make(chan wsWrite),
		pending:   newPendingRequests(logger),
		done:      make(chan struct{}),
	}

	go h.writeLoop()
	go h.readLoop()

	t.handle = h
	return h, nil
}

// Close terminates the connection and fails pending requests with ErrClosed.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()

	if h == nil {
		return nil
	}
	h.teardown()
	return nil
}

type wsWrite struct {
	data []byte
	errs chan error
}

type wsHandle struct {
	sessionID string
	logger    *slog.Logger
	notify    NotificationHandler
	conn      *websocket.Conn

	writes  chan wsWrite
	pending *pendingRequests

	done     chan struct{}
	downOnce sync.Once
}

func (h *wsHandle) SessionID() string {
	return h.sessionID
}

func (h *wsHandle) Ready() error {
	select {
	case <-h.done:
		return ErrClosed
	default:
		return nil
	}
}

func (h *wsHandle) Send(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, transportErr("websocket", "encode", err)
	}

	var reply chan JSONRPCMessage
	if msg.IsRequest() {
		reply, err = h.pending.register(msg.ID)
		if err != nil {
			return JSONRPCMessage{}, transportErr("websocket", "send", err)
		}
	}

	if err := h.write(ctx, msgBs); err != nil {
		if reply != nil {
			h.pending.deregister(msg.ID)
		}
		return JSONRPCMessage{}, err
	}

	if reply == nil {
		return JSONRPCMessage{}, nil
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		h.pending.deregister(msg.ID)
		return JSONRPCMessage{}, ctx.Err()
	case <-h.done:
		// A reply that raced the close may already sit in the slot.
		select {
		case res := <-reply:
			return res, nil
		default:
		}
		return JSONRPCMessage{}, transportErr("websocket", "send", ErrClosed)
	}
}

func (h *wsHandle) write(ctx context.Context, data []byte) error {
	w := wsWrite{
		data: data,
		errs: make(chan error, 1),
	}

	select {
	case h.writes <- w:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return transportErr("websocket", "write", ErrClosed)
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return transportErr("websocket", "write", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return transportErr("websocket", "write", ErrClosed)
	}
}

func (h *wsHandle) writeLoop() {
	for {
		var w wsWrite
		select {
		case <-h.done:
			return
		case w = <-h.writes:
		}

		w.errs <- h.conn.WriteMessage(websocket.TextMessage, w.data)
	}
}

func (h *wsHandle) readLoop() {
	defer h.teardown()

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			select {
			case <-h.done:
				// Local close; the read error is expected.
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Error("failed to read frame", "err", err)
				}
			}
			return
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Error("failed to unmarshal message", "err", err)
			continue
		}
		routeIncoming(h.logger, h.pending, h.notify, msg)
	}
}

func (h *wsHandle) teardown() {
	h.downOnce.Do(func() {
		close(h.done)
		// Best effort close handshake; the other side sees a normal closure.
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = h.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
		h.conn.Close()
		h.pending.failAll()
	})
}
