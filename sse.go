package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSETransport connects to a server that pushes protocol messages over a
// Server-Sent Events stream and accepts outgoing calls as HTTP POSTs to a
// companion endpoint.
//
// The endpoint is not known upfront: the first event on the stream must be of
// type "endpoint" and carries the URL to POST to. Sends attempted before that
// event arrives wait up to a configured window and then fail with
// ErrEndpointNotDiscovered. Replies never arrive in the POST response body;
// they are pushed asynchronously as "message" events and correlated by ID, so
// the pending entry is registered before the POST is issued.
type SSETransport struct {
	connectURL string
	httpClient *http.Client
	logger     *slog.Logger
	notify     NotificationHandler

	endpointWait   time.Duration
	maxPayloadSize int

	mu     sync.Mutex
	handle *sseHandle
}

// SSEOption configures an SSETransport.
type SSEOption func(*SSETransport)

// WithSSELogger sets the logger used for session diagnostics.
func WithSSELogger(logger *slog.Logger) SSEOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSENotifications sets the handler receiving server-pushed notifications.
func WithSSENotifications(h NotificationHandler) SSEOption {
	return func(t *SSETransport) {
		t.notify = h
	}
}

// WithSSEEndpointWait sets how long a send waits for the endpoint event before
// failing with ErrEndpointNotDiscovered.
func WithSSEEndpointWait(d time.Duration) SSEOption {
	return func(t *SSETransport) {
		t.endpointWait = d
	}
}

// WithSSEMaxPayloadSize sets the maximum size of a single event payload
// accepted from the server.
func WithSSEMaxPayloadSize(size int) SSEOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// NewSSETransport creates a transport that will connect to connectURL when
// Start is called. The optional httpClient allows custom HTTP configuration;
// if nil, the default HTTP client is used.
func NewSSETransport(connectURL string, httpClient *http.Client, options ...SSEOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &SSETransport{
		connectURL:   connectURL,
		httpClient:   cli,
		logger:       slog.Default(),
		endpointWait: 30 * time.Second,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Start opens the event stream and begins reading it. The returned Handle may
// be used concurrently; sends queue until the server announces its message
// endpoint.
func (t *SSETransport) Start(ctx context.Context) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != nil {
		return nil, transportErr("sse", "start", errors.New("already started"))
	}

	connectURL, err := url.Parse(t.connectURL)
	if err != nil {
		return nil, transportErr("sse", "start", fmt.Errorf("parse connect URL: %w", err))
	}

	streamCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		cancel()
		return nil, transportErr("sse", "connect", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, transportErr("sse", "connect", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, transportErr("sse", "connect", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}

	sessID := uuid.New().String()
	logger := t.logger.With(
		slog.String("transport", "sse"),
		slog.String("session", sessID),
	)

	h := &sseHandle{
		sessionID:      sessID,
		logger:         logger,
		notify:         t.notify,
		httpClient:     t.httpClient,
		connectURL:     connectURL,
		endpointWait:   t.endpointWait,
		maxPayloadSize: t.maxPayloadSize,
		endpointReady:  make(chan struct{}),
		pending:        newPendingRequests(logger),
		done:           make(chan struct{}),
		cancel:         cancel,
	}

	go h.readEvents(resp.Body)

	t.handle = h
	return h, nil
}

// Close terminates the event stream and fails pending requests with ErrClosed.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()

	if h == nil {
		return nil
	}
	h.teardown()
	return nil
}

type sseHandle struct {
	sessionID  string
	logger     *slog.Logger
	notify     NotificationHandler
	httpClient *http.Client
	connectURL *url.URL

	endpointWait   time.Duration
	maxPayloadSize int

	// messageURL is written once by the read loop before endpointReady closes,
	// and read by senders only after that channel closed.
	messageURL    string
	endpointReady chan struct{}

	pending *pendingRequests

	done     chan struct{}
	cancel   context.CancelFunc
	downOnce sync.Once
}

func (h *sseHandle) SessionID() string {
	return h.sessionID
}

// Ready reports ErrClosed only once the session tore down. Before the server
// announces its endpoint the session still accepts work: sends queue inside
// Send for the configured endpoint wait, so the pre-endpoint window is not a
// readiness failure.
func (h *sseHandle) Ready() error {
	select {
	case <-h.done:
		return ErrClosed
	default:
		return nil
	}
}

// Send POSTs one message to the discovered endpoint. For a request the pending
// entry is registered before the network call: the reply arrives on the event
// stream, not in the POST response body, and nothing stops it from arriving
// before the POST even returns.
func (h *sseHandle) Send(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	if err := h.awaitEndpoint(ctx); err != nil {
		return JSONRPCMessage{}, err
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, transportErr("sse", "encode", err)
	}

	var reply chan JSONRPCMessage
	if msg.IsRequest() {
		reply, err = h.pending.register(msg.ID)
		if err != nil {
			return JSONRPCMessage{}, transportErr("sse", "send", err)
		}
	}

	if err := h.post(ctx, msgBs); err != nil {
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
		return JSONRPCMessage{}, transportErr("sse", "send", ErrClosed)
	}
}

func (h *sseHandle) awaitEndpoint(ctx context.Context) error {
	select {
	case <-h.endpointReady:
		return nil
	case <-h.done:
		return transportErr("sse", "send", ErrClosed)
	default:
	}

	timer := time.NewTimer(h.endpointWait)
	defer timer.Stop()

	select {
	case <-h.endpointReady:
		return nil
	case <-timer.C:
		return transportErr("sse", "send", ErrEndpointNotDiscovered)
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return transportErr("sse", "send", ErrClosed)
	}
}

func (h *sseHandle) post(ctx context.Context, msgBs []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return transportErr("sse", "post", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return transportErr("sse", "post", err)
	}
	defer resp.Body.Close()

	// Whatever body the endpoint returns is not the protocol reply; only the
	// status code matters here.
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return transportErr("sse", "post", fmt.Errorf("unexpected status code: %d", resp.StatusCode))
	}
	return nil
}

func (h *sseHandle) readEvents(body io.ReadCloser) {
	defer func() {
		body.Close()
		h.teardown()
	}()

	var config *sse.ReadConfig
	if h.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: h.maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				h.logger.Error("failed to read SSE event", "err", err)
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			if err := h.handleEndpoint(ev.Data); err != nil {
				h.logger.Error("rejecting endpoint event", "err", err)
				return
			}
		case "message":
			select {
			case <-h.endpointReady:
			default:
				h.logger.Error("received message before endpoint event")
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal([]byte(ev.Data), &msg); err != nil {
				h.logger.Error("failed to unmarshal message", "err", err)
				continue
			}
			routeIncoming(h.logger, h.pending, h.notify, msg)
		default:
			h.logger.Warn("unhandled event type", "type", ev.Type)
		}
	}
}

// handleEndpoint validates the announced endpoint before any send may use it.
// Relative URLs resolve against the connect URL; absolute ones must share its
// origin so messages cannot be routed to a different host.
func (h *sseHandle) handleEndpoint(data string) error {
	endpoint, err := url.Parse(data)
	if err != nil {
		return fmt.Errorf("parse endpoint URL: %w", err)
	}

	if endpoint.Scheme == "" || endpoint.Host == "" {
		endpoint = h.connectURL.ResolveReference(endpoint)
	} else if endpoint.Scheme != h.connectURL.Scheme || endpoint.Host != h.connectURL.Host {
		return fmt.Errorf("endpoint origin does not match connect origin: %s", endpoint)
	}
	if endpoint.String() == "" {
		return errors.New("empty endpoint URL")
	}

	select {
	case <-h.endpointReady:
		// Repeated endpoint events are ignored; the first one wins.
		h.logger.Warn("ignoring duplicate endpoint event", "url", endpoint.String())
	default:
		h.messageURL = endpoint.String()
		close(h.endpointReady)
	}
	return nil
}

func (h *sseHandle) teardown() {
	h.downOnce.Do(func() {
		close(h.done)
		h.cancel()
		h.pending.failAll()
	})
}
