package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsHarness is a minimal MCP-over-WebSocket server answering every request with
// a canned result carrying the request's ID.
type wsHarness struct {
	t      *testing.T
	server *httptest.Server

	mu   sync.Mutex
	conn *websocket.Conn
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()

	h := &wsHarness{t: t}
	upgrader := websocket.Upgrader{}

	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		h.mu.Lock()
		h.conn = conn
		h.mu.Unlock()

		for {
			var msg JSONRPCMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if !msg.IsRequest() {
				continue
			}
			h.send(JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Result:  json.RawMessage(`{"ok":true}`),
			})
		}
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *wsHarness) send(msg JSONRPCMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		return
	}
	if err := h.conn.WriteJSON(msg); err != nil {
		h.t.Logf("harness write failed: %v", err)
	}
}

func (h *wsHarness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.server.URL, "http")
}

func startWSSession(t *testing.T, h *wsHarness, options ...WSOption) Handle {
	t.Helper()

	options = append([]WSOption{WithWSLogger(testLogger())}, options...)
	transport := NewWebSocketTransport(h.wsURL(), options...)
	t.Cleanup(func() {
		transport.Close()
	})

	handle, err := transport.Start(context.Background())
	require.NoError(t, err)
	return handle
}

func TestWebSocketTransportRequestReply(t *testing.T) {
	harness := newWSHarness(t)
	handle := startWSSession(t, harness)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := handle.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  MethodPing,
		Params:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, RequestID(1), res.ID)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))
}

func TestWebSocketTransportConcurrentRequests(t *testing.T) {
	harness := newWSHarness(t)
	handle := startWSSession(t, harness)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 10
	errs := make(chan error, n)
	for i := range n {
		go func() {
			id := RequestID(i + 1)
			res, err := handle.Send(ctx, JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      id,
				Method:  MethodPing,
			})
			if err == nil && res.ID != id {
				err = assert.AnError
			}
			errs <- err
		}()
	}

	for range n {
		require.NoError(t, <-errs)
	}
}

func TestWebSocketTransportServerNotification(t *testing.T) {
	notifs := make(chan JSONRPCMessage, 1)

	harness := newWSHarness(t)
	handle := startWSSession(t, harness, WithWSNotifications(func(msg JSONRPCMessage) {
		notifs <- msg
	}))

	// Round trip once so the harness has captured the connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := handle.Send(ctx, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: 1, Method: MethodPing})
	require.NoError(t, err)

	harness.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsPromptsListChanged,
	})

	select {
	case msg := <-notifs:
		assert.Equal(t, methodNotificationsPromptsListChanged, msg.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestWebSocketTransportSendAfterClose(t *testing.T) {
	harness := newWSHarness(t)
	transport := NewWebSocketTransport(harness.wsURL(), WithWSLogger(testLogger()))

	handle, err := transport.Start(context.Background())
	require.NoError(t, err)
	require.NoError(t, transport.Close())

	assert.ErrorIs(t, handle.Ready(), ErrClosed)

	_, err = handle.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  MethodPing,
	})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	transport := NewWebSocketTransport("ws://127.0.0.1:1", WithWSLogger(testLogger()))

	_, err := transport.Start(context.Background())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "websocket", terr.Transport)
	assert.Equal(t, "dial", terr.Op)
}
