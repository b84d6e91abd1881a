package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Client is the caller-facing layer of the MCP stack. It owns a mutually
// exclusive handle to a Service, an atomically incrementing request-ID
// generator, and the server capabilities and identity captured during
// initialization. One typed operation exists per MCP method; all of them funnel
// through a single generic request path.
//
// A Client moves through three states: uninitialized, initializing, and ready.
// Initialize performs the handshake exactly once; every other operation fails
// fast with ErrNotInitialized until it completes, without generating any wire
// traffic.
type Client struct {
	info           Info
	capabilities   ClientCapabilities
	logger         *slog.Logger
	requestTimeout time.Duration

	// mu serializes request construction and dispatch through the service; it
	// protects ID-allocation ordering, not wire-level concurrency, so it is
	// released before the caller suspends on its reply.
	mu  sync.Mutex
	svc Service

	nextID atomic.Uint64
	state  atomic.Int32

	serverInfo         Info
	serverCapabilities ServerCapabilities

	transport Transport
}

const (
	stateUninitialized int32 = iota
	stateInitializing
	stateReady
)

var defaultRequestTimeout = 30 * time.Second

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientCapabilities sets the capabilities the client advertises during
// initialization.
func WithClientCapabilities(capabilities ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = capabilities
	}
}

// WithRequestTimeout sets the per-request deadline applied through the service
// layer. Zero disables the deadline.
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = timeout
	}
}

// NewClient creates a client dispatching through svc. The info parameter
// provides client identification sent during the handshake. The client is not
// usable until Initialize is called.
func NewClient(info Info, svc Service, options ...ClientOption) *Client {
	c := &Client{
		info:           info,
		logger:         slog.Default(),
		requestTimeout: defaultRequestTimeout,
	}
	for _, opt := range options {
		opt(c)
	}

	if c.requestTimeout > 0 {
		svc = Chain(svc, WithTimeout(c.requestTimeout))
	}
	c.svc = svc

	return c
}

// Connect starts the transport, wraps its handle in a service, and performs the
// initialization handshake. The returned client owns the transport; Close shuts
// it down.
//
// The transport session is bound to ctx, so a deadline meant only for the
// handshake will also end the session when it expires. Use a long-lived ctx
// and the client's per-request timeouts to bound individual calls instead.
func Connect(ctx context.Context, info Info, transport Transport, options ...ClientOption) (*Client, error) {
	handle, err := transport.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	c := NewClient(info, NewService(handle), options...)
	c.transport = transport

	if err := c.Initialize(ctx); err != nil {
		transport.Close()
		return nil, err
	}
	return c, nil
}

// Initialize performs the capability-negotiation handshake: it sends the
// initialize request, captures the server's identity and capabilities, emits
// the initialized notification, and transitions the client to ready. It is
// valid only once per client; a second call fails with ErrAlreadyInitialized.
func (c *Client) Initialize(ctx context.Context) error {
	if !c.state.CompareAndSwap(stateUninitialized, stateInitializing) {
		return ErrAlreadyInitialized
	}

	res, err := c.sendRequest(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	})
	if err != nil {
		c.state.Store(stateUninitialized)
		return fmt.Errorf("failed to initialize: %w", err)
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		c.state.Store(stateUninitialized)
		return &DecodeError{Method: MethodInitialize, Err: err}
	}

	if result.ProtocolVersion != protocolVersion {
		c.state.Store(stateUninitialized)
		return fmt.Errorf("protocol version mismatch: %s != %s", result.ProtocolVersion, protocolVersion)
	}

	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities

	if err := c.sendNotification(ctx, methodNotificationsInitialized, nil); err != nil {
		// The handshake did not complete; the accessors must not report the
		// server state captured from it.
		c.serverInfo = Info{}
		c.serverCapabilities = ServerCapabilities{}
		c.state.Store(stateUninitialized)
		return fmt.Errorf("failed to send initialized notification: %w", err)
	}

	c.state.Store(stateReady)
	c.logger.Debug("initialized",
		slog.String("server", c.serverInfo.Name),
		slog.String("version", c.serverInfo.Version),
	)
	return nil
}

// Close shuts down the transport the client was connected with. Clients built
// directly over a Service with NewClient do not own a transport, and Close is a
// no-op for them.
func (c *Client) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}

// ServerInfo returns the identity the server reported during initialization.
func (c *Client) ServerInfo() Info {
	return c.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during
// initialization.
func (c *Client) ServerCapabilities() ServerCapabilities {
	return c.serverCapabilities
}

// Ping checks that the server is responsive. Unlike the typed operations it
// requires no capability, only a completed handshake.
func (c *Client) Ping(ctx context.Context) error {
	if !c.ready() {
		return ErrNotInitialized
	}

	_, err := c.sendRequest(ctx, MethodPing, struct{}{})
	return err
}

// ListResources retrieves one page of available resources from the server.
// Callers loop until NextCursor comes back empty to enumerate exhaustively, or
// use ListAllResources.
func (c *Client) ListResources(ctx context.Context, params ListResourcesParams) (ListResourcesResult, error) {
	if !c.ready() {
		return ListResourcesResult{}, ErrNotInitialized
	}
	if c.serverCapabilities.Resources == nil {
		return ListResourcesResult{}, &CapabilityError{Capability: "resources", Method: MethodResourcesList}
	}

	res, err := c.sendRequest(ctx, MethodResourcesList, params)
	if err != nil {
		return ListResourcesResult{}, err
	}

	var result ListResourcesResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListResourcesResult{}, &DecodeError{Method: MethodResourcesList, Err: err}
	}
	return result, nil
}

// ReadResource retrieves the contents of a specific resource as text or binary
// payload.
func (c *Client) ReadResource(ctx context.Context, params ReadResourceParams) (ReadResourceResult, error) {
	if !c.ready() {
		return ReadResourceResult{}, ErrNotInitialized
	}
	if c.serverCapabilities.Resources == nil {
		return ReadResourceResult{}, &CapabilityError{Capability: "resources", Method: MethodResourcesRead}
	}

	res, err := c.sendRequest(ctx, MethodResourcesRead, params)
	if err != nil {
		return ReadResourceResult{}, err
	}

	var result ReadResourceResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ReadResourceResult{}, &DecodeError{Method: MethodResourcesRead, Err: err}
	}
	return result, nil
}

// ListTools retrieves one page of available tools from the server.
func (c *Client) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	if !c.ready() {
		return ListToolsResult{}, ErrNotInitialized
	}
	if c.serverCapabilities.Tools == nil {
		return ListToolsResult{}, &CapabilityError{Capability: "tools", Method: MethodToolsList}
	}

	res, err := c.sendRequest(ctx, MethodToolsList, params)
	if err != nil {
		return ListToolsResult{}, err
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, &DecodeError{Method: MethodToolsList, Err: err}
	}
	return result, nil
}

// CallTool executes a tool and returns its result. A nil error means the call
// succeeded at the protocol level only; the result's IsError field still
// signals tool-level failures and must be checked separately.
func (c *Client) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	if !c.ready() {
		return CallToolResult{}, ErrNotInitialized
	}
	if c.serverCapabilities.Tools == nil {
		return CallToolResult{}, &CapabilityError{Capability: "tools", Method: MethodToolsCall}
	}

	res, err := c.sendRequest(ctx, MethodToolsCall, params)
	if err != nil {
		return CallToolResult{}, err
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, &DecodeError{Method: MethodToolsCall, Err: err}
	}
	return result, nil
}

// ListPrompts retrieves one page of available prompts from the server.
func (c *Client) ListPrompts(ctx context.Context, params ListPromptsParams) (ListPromptsResult, error) {
	if !c.ready() {
		return ListPromptsResult{}, ErrNotInitialized
	}
	if c.serverCapabilities.Prompts == nil {
		return ListPromptsResult{}, &CapabilityError{Capability: "prompts", Method: MethodPromptsList}
	}

	res, err := c.sendRequest(ctx, MethodPromptsList, params)
	if err != nil {
		return ListPromptsResult{}, err
	}

	var result ListPromptsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListPromptsResult{}, &DecodeError{Method: MethodPromptsList, Err: err}
	}
	return result, nil
}

// GetPrompt retrieves a specific prompt by name with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, params GetPromptParams) (GetPromptResult, error) {
	if !c.ready() {
		return GetPromptResult{}, ErrNotInitialized
	}
	if c.serverCapabilities.Prompts == nil {
		return GetPromptResult{}, &CapabilityError{Capability: "prompts", Method: MethodPromptsGet}
	}

	res, err := c.sendRequest(ctx, MethodPromptsGet, params)
	if err != nil {
		return GetPromptResult{}, err
	}

	var result GetPromptResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return GetPromptResult{}, &DecodeError{Method: MethodPromptsGet, Err: err}
	}
	return result, nil
}

// ListAllTools follows the pagination cursor chain until exhaustion and returns
// the full tool set in server order.
func (c *Client) ListAllTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	var cursor string
	for {
		page, err := c.ListTools(ctx, ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		tools = append(tools, page.Tools...)
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
}

// ListAllResources follows the pagination cursor chain until exhaustion and
// returns the full resource set in server order.
func (c *Client) ListAllResources(ctx context.Context) ([]Resource, error) {
	var resources []Resource
	var cursor string
	for {
		page, err := c.ListResources(ctx, ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		resources = append(resources, page.Resources...)
		if page.NextCursor == "" {
			return resources, nil
		}
		cursor = page.NextCursor
	}
}

// ListAllPrompts follows the pagination cursor chain until exhaustion and
// returns the full prompt set in server order.
func (c *Client) ListAllPrompts(ctx context.Context) ([]Prompt, error) {
	var prompts []Prompt
	var cursor string
	for {
		page, err := c.ListPrompts(ctx, ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		prompts = append(prompts, page.Prompts...)
		if page.NextCursor == "" {
			return prompts, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) ready() bool {
	return c.state.Load() == stateReady
}

// sendRequest is the generic request path every operation funnels through:
// await readiness and allocate the next ID under the client's lock, dispatch
// through the service, then validate that the reply correlates to the request
// just sent before handing it back.
func (c *Client) sendRequest(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	c.mu.Lock()
	if err := c.svc.Ready(); err != nil {
		c.mu.Unlock()
		return JSONRPCMessage{}, fmt.Errorf("service not ready: %w", err)
	}
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      RequestID(c.nextID.Add(1)),
		Method:  method,
		Params:  paramsBs,
	}
	c.mu.Unlock()

	res, err := c.svc.Call(ctx, msg)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	// A reply correlated to a different ID means the server or transport is
	// misbehaving; never hand it to the caller.
	if res.ID != msg.ID {
		return JSONRPCMessage{}, fmt.Errorf("mcp: %s: reply id %d does not match request id %d",
			method, uint64(res.ID), uint64(msg.ID))
	}

	if res.Error != nil {
		return JSONRPCMessage{}, &RPCError{
			Code:    res.Error.Code,
			Message: res.Error.Message,
			Method:  method,
			Server:  c.serverInfo.Name,
		}
	}

	return res, nil
}

func (c *Client) sendNotification(ctx context.Context, method string, params any) error {
	paramsBs, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	_, err = c.svc.Call(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
	return err
}
