package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmaxmax/go-sse"
)

// sseHarness is a minimal MCP-over-SSE server: it upgrades GET connections,
// announces the message endpoint, and answers POSTed requests by pushing reply
// events onto the stream.
type sseHarness struct {
	t             *testing.T
	server        *httptest.Server
	endpoint      string
	endpointDelay time.Duration
	reply         func(msg JSONRPCMessage) *JSONRPCMessage

	mu   sync.Mutex
	sess *sse.Session
}

func newSSEHarness(t *testing.T, reply func(JSONRPCMessage) *JSONRPCMessage) *sseHarness {
	t.Helper()

	h := &sseHarness{t: t, endpoint: "/message", reply: reply}

	mux := http.NewServeMux()
	mux.HandleFunc("/sse", h.handleSSE)
	mux.HandleFunc("/message", h.handleMessage)

	h.server = httptest.NewServer(mux)
	t.Cleanup(h.server.Close)
	return h
}

func (h *sseHarness) handleSSE(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.mu.Lock()
	h.sess = sess
	h.mu.Unlock()

	if h.endpoint != "" {
		if h.endpointDelay > 0 {
			// Flush something so the client's GET returns before the endpoint
			// is announced.
			h.push("noop", "1")
			time.Sleep(h.endpointDelay)
		}
		h.push("endpoint", h.endpoint)
	} else {
		// Flush something so the client's GET returns even though no endpoint
		// will ever be announced.
		h.push("noop", "1")
	}

	// Keep the stream open until the client disconnects.
	<-r.Context().Done()
}

func (h *sseHarness) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg JSONRPCMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)

	if msg.IsRequest() && h.reply != nil {
		if res := h.reply(msg); res != nil {
			data, err := json.Marshal(res)
			require.NoError(h.t, err)
			go h.push("message", string(data))
		}
	}
}

func (h *sseHarness) push(eventType, data string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess == nil {
		return
	}
	msg := sse.Message{Type: sse.Type(eventType)}
	msg.AppendData(data)
	if err := h.sess.Send(&msg); err != nil {
		return
	}
	h.sess.Flush()
}

func echoReply(msg JSONRPCMessage) *JSONRPCMessage {
	return &JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  json.RawMessage(`{"ok":true}`),
	}
}

func startSSESession(t *testing.T, h *sseHarness, options ...SSEOption) Handle {
	t.Helper()

	options = append([]SSEOption{WithSSELogger(testLogger())}, options...)
	transport := NewSSETransport(h.server.URL+"/sse", h.server.Client(), options...)
	t.Cleanup(func() {
		transport.Close()
	})

	handle, err := transport.Start(context.Background())
	require.NoError(t, err)
	return handle
}

func TestSSETransportRequestReply(t *testing.T) {
	harness := newSSEHarness(t, echoReply)
	handle := startSSESession(t, harness)

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

func TestSSETransportNotificationSend(t *testing.T) {
	harness := newSSEHarness(t, echoReply)
	handle := startSSESession(t, harness)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := handle.Send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodNotificationsInitialized,
	})
	require.NoError(t, err)
	assert.Equal(t, JSONRPCMessage{}, res)
}

func TestSSETransportServerNotification(t *testing.T) {
	notifs := make(chan JSONRPCMessage, 1)

	harness := newSSEHarness(t, echoReply)
	handle := startSSESession(t, harness, WithSSENotifications(func(msg JSONRPCMessage) {
		notifs <- msg
	}))

	// A send forces the endpoint handshake to complete first.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := handle.Send(ctx, JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: 1, Method: MethodPing})
	require.NoError(t, err)

	harness.push("message", `{"jsonrpc":"2.0","method":"notifications/resources/list_changed"}`)

	select {
	case msg := <-notifs:
		assert.Equal(t, methodNotificationsResourcesListChanged, msg.Method)
	case <-time.After(5 * time.Second):
		t.Fatal("notification was not delivered")
	}
}

func TestSSETransportEndpointNotDiscovered(t *testing.T) {
	harness := newSSEHarness(t, nil)
	harness.endpoint = ""

	handle := startSSESession(t, harness, WithSSEEndpointWait(50*time.Millisecond))

	// The live pre-endpoint session is still ready; only the send itself runs
	// into the expired discovery window.
	assert.NoError(t, handle.Ready())

	_, err := handle.Send(context.Background(), JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      1,
		Method:  MethodPing,
	})
	assert.ErrorIs(t, err, ErrEndpointNotDiscovered)
}

func TestSSETransportRejectsCrossOriginEndpoint(t *testing.T) {
	harness := newSSEHarness(t, nil)
	harness.endpoint = "http://127.0.0.1:1/message"

	handle := startSSESession(t, harness, WithSSEEndpointWait(50*time.Millisecond))

	// The foreign endpoint tears the session down instead of being adopted.
	require.Eventually(t, func() bool {
		return handle.Ready() != nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, handle.Ready(), ErrClosed)
}

func TestSSETransportCloseFailsPending(t *testing.T) {
	// Requests are accepted but never answered, so the send stays pending until
	// the transport closes underneath it.
	harness := newSSEHarness(t, func(JSONRPCMessage) *JSONRPCMessage { return nil })

	transport := NewSSETransport(harness.server.URL+"/sse", harness.server.Client(),
		WithSSELogger(testLogger()))
	handle, err := transport.Start(context.Background())
	require.NoError(t, err)

	errs := make(chan error, 1)
	go func() {
		_, err := handle.Send(context.Background(), JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      1,
			Method:  MethodPing,
		})
		errs <- err
	}()

	// Let the send reach its pending wait before closing.
	require.Eventually(t, func() bool {
		return handle.Ready() == nil
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, transport.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending send was not released by close")
	}
}

func TestConnectOverSSEWithDelayedEndpoint(t *testing.T) {
	// The handshake starts while the server has not yet announced its message
	// endpoint; the send must queue for the discovery window instead of
	// failing the connect.
	handler := mockServerHandler(t, allCapabilities)
	harness := newSSEHarness(t, func(msg JSONRPCMessage) *JSONRPCMessage {
		res := handler(msg)
		return &res
	})
	harness.endpointDelay = 300 * time.Millisecond

	transport := NewSSETransport(harness.server.URL+"/sse", harness.server.Client(),
		WithSSELogger(testLogger()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cli, err := Connect(ctx, Info{Name: "test-client", Version: "0.1.0"}, transport,
		WithClientLogger(testLogger()))
	require.NoError(t, err)
	defer cli.Close()

	assert.Equal(t, "mock-server", cli.ServerInfo().Name)
	require.NoError(t, cli.Ping(ctx))
}

func TestSSETransportConnectRejectsBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	transport := NewSSETransport(server.URL, server.Client(), WithSSELogger(testLogger()))
	_, err := transport.Start(context.Background())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "sse", terr.Transport)
}
