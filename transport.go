package mcp

import (
	"context"
	"log/slog"
	"sync"
)

// Transport establishes the physical channel carrying encoded protocol messages.
// Start spawns a process or opens a connection and returns a Handle for sending;
// Close releases the channel and fails any requests still pending with ErrClosed.
//
// Implementations run an internal actor: one goroutine owns the write side of the
// physical stream and one owns the read side, so callers never touch the stream
// directly and wire-format integrity is preserved under concurrent sends.
type Transport interface {
	// Start establishes the underlying channel. It must be called exactly once;
	// the returned Handle is safe for use by many concurrent callers.
	//
	// The session lives no longer than ctx: canceling it tears the session
	// down. Callers who want the session to outlive a dial deadline should
	// pass a long-lived context here and rely on Close for shutdown.
	Start(ctx context.Context) (Handle, error)

	// Close releases the channel. Requests still in flight resolve with ErrClosed
	// rather than hanging their callers.
	Close() error
}

// Handle is the send surface of a started transport session.
type Handle interface {
	// Send transmits one message. For a request (non-zero ID) it suspends the
	// caller until the correlated reply arrives, the context is done, or the
	// session closes. For a notification it returns as soon as the write
	// completed; the zero JSONRPCMessage is returned since no reply exists.
	Send(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)

	// Ready reports whether the transport can currently accept work. A non-nil
	// error means sends would fail immediately; the service layer uses this for
	// backpressure.
	Ready() error

	// SessionID returns the unique identifier of this session, used for log
	// correlation.
	SessionID() string
}

// NotificationHandler receives server-pushed messages that carry a method and
// therefore correlate to no pending request. Handlers run on the transport's
// read loop and must not block.
type NotificationHandler func(msg JSONRPCMessage)

// routeIncoming dispatches one decoded message from a transport read loop:
// responses resolve their pending entry, messages with a method go to the
// notification handler, and anything else is logged and dropped.
func routeIncoming(logger *slog.Logger, pending *pendingRequests, notify NotificationHandler, msg JSONRPCMessage) {
	switch {
	case msg.IsResponse():
		pending.resolve(msg)
	case msg.Method != "":
		if notify != nil {
			notify(msg)
			return
		}
		logger.Debug("dropping unsolicited message", "method", msg.Method)
	default:
		logger.Warn("dropping malformed message", "id", uint64(msg.ID))
	}
}

// pendingRequests is the table mapping outstanding request IDs to the reply slot
// of the caller awaiting them. It is mutated from two directions: the sender
// registers an entry before the wire write, and the read loop resolves it when
// the matching response arrives. A mutex prevents the lost-update race between
// the two.
type pendingRequests struct {
	mu     sync.Mutex
	slots  map[RequestID]chan JSONRPCMessage
	closed bool
	logger *slog.Logger
}

func newPendingRequests(logger *slog.Logger) *pendingRequests {
	return &pendingRequests{
		slots:  make(map[RequestID]chan JSONRPCMessage),
		logger: logger,
	}
}

// register creates a single-use reply slot for id. It fails with ErrClosed if the
// session already tore down, so no caller can start waiting on a dead channel.
func (p *pendingRequests) register(id RequestID) (chan JSONRPCMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	ch := make(chan JSONRPCMessage, 1)
	p.slots[id] = ch
	return ch, nil
}

// resolve delivers a reply into the slot registered for its ID and removes the
// entry. A reply whose ID has no pending entry is logged and dropped; a late
// reply after cancellation is an expected race, not a bug.
func (p *pendingRequests) resolve(msg JSONRPCMessage) {
	p.mu.Lock()
	ch, ok := p.slots[msg.ID]
	if ok {
		delete(p.slots, msg.ID)
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("dropping reply with no pending request", "id", uint64(msg.ID))
		return
	}
	ch <- msg
}

// deregister removes the slot for id without resolving it. The caller invokes it
// while unwinding from a cancellation or timeout so a late reply cannot resolve
// an abandoned slot.
func (p *pendingRequests) deregister(id RequestID) {
	p.mu.Lock()
	delete(p.slots, id)
	p.mu.Unlock()
}

// failAll marks the table closed and drops every outstanding slot. Callers
// waiting on those slots observe the session closing through the transport's
// done channel; none are left suspended.
func (p *pendingRequests) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	for id := range p.slots {
		delete(p.slots, id)
	}
}
