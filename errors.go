package mcp

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by the transport and client layers. Callers match them
// with errors.Is regardless of which transport produced them.
var (
	// ErrClosed is returned when an operation is attempted on a closed session,
	// or when session teardown resolves a request that was still pending.
	ErrClosed = errors.New("mcp: session closed")

	// ErrNotInitialized is returned when an operation other than Initialize is
	// attempted before the handshake completed. No wire traffic is generated.
	ErrNotInitialized = errors.New("mcp: client not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize call on the same client.
	ErrAlreadyInitialized = errors.New("mcp: client already initialized")

	// ErrEndpointNotDiscovered is returned by the SSE transport when the server
	// fails to announce its message endpoint within the discovery window a
	// send was willing to wait.
	ErrEndpointNotDiscovered = errors.New("mcp: sse endpoint not discovered")

	// ErrRequestTimeout is returned when a per-call deadline imposed by the
	// service layer elapsed with no reply. The transport itself may still be healthy.
	ErrRequestTimeout = errors.New("mcp: request timeout")
)

// TransportError wraps a failure of the physical channel: it could not be opened,
// a write failed, a read produced undecodable data, or the underlying process or
// connection terminated. Transport names the implementation ("stdio", "sse",
// "websocket") and Op the operation that failed.
type TransportError struct {
	Transport string
	Op        string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("mcp: %s transport: %s: %v", e.Transport, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RPCError is a well-formed error envelope returned by the server, carrying the
// numeric code and message verbatim plus the method and server identity that
// produced it.
type RPCError struct {
	Code    int
	Message string
	Method  string
	Server  string
}

func (e *RPCError) Error() string {
	if e.Server == "" {
		return fmt.Sprintf("mcp: %s: rpc error %d: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("mcp: %s: rpc error %d from %q: %s", e.Method, e.Code, e.Server, e.Message)
}

// CapabilityError is returned when an operation requires a capability the server
// never advertised during initialization. It is a local pre-flight check; no
// request is sent.
type CapabilityError struct {
	Capability string
	Method     string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("mcp: %s: server does not support %s", e.Method, e.Capability)
}

// TimeoutError reports that a per-call deadline elapsed with no reply. It wraps
// ErrRequestTimeout so callers can match with errors.Is.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mcp: no reply within %s", e.Duration)
}

func (e *TimeoutError) Unwrap() error {
	return ErrRequestTimeout
}

// DecodeError reports that a reply's result did not match the shape expected for
// the method called.
type DecodeError struct {
	Method string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("mcp: %s: malformed result: %v", e.Method, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func transportErr(transport, op string, err error) error {
	return &TransportError{Transport: transport, Op: op, Err: err}
}
