package mcp

import (
	"context"
	"errors"
	"time"
)

// Service is the uniform call surface the client dispatches through, regardless
// of which transport carries the session. Ready reports whether the underlying
// channel can currently accept work, which callers use for backpressure before
// committing to a call.
type Service interface {
	// Ready returns nil when a call can be attempted, or the reason it would
	// fail immediately.
	Ready() error

	// Call forwards one message and returns one message or an error. For
	// notifications the returned message is the zero value.
	Call(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)
}

// Middleware wraps a Service with additional behavior, such as per-call
// deadlines. Middlewares compose; the outermost one sees the call first.
type Middleware func(Service) Service

// NewService wraps a started transport handle in the Service interface.
func NewService(h Handle) Service {
	return handleService{handle: h}
}

// Chain applies middlewares to svc so that the first middleware listed is the
// outermost layer.
func Chain(svc Service, middlewares ...Middleware) Service {
	for i := len(middlewares) - 1; i >= 0; i-- {
		svc = middlewares[i](svc)
	}
	return svc
}

type handleService struct {
	handle Handle
}

func (s handleService) Ready() error {
	return s.handle.Ready()
}

func (s handleService) Call(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	return s.handle.Send(ctx, msg)
}

// WithTimeout returns a middleware applying a per-call deadline. When the
// deadline fires the caller gets a TimeoutError immediately, and the deadline
// context propagates into the transport send, which removes its own
// pending-request entry while unwinding. A reply arriving after that is dropped
// by the transport's read loop, never delivered to a stale caller.
func WithTimeout(d time.Duration) Middleware {
	return func(next Service) Service {
		return timeoutService{next: next, timeout: d}
	}
}

type timeoutService struct {
	next    Service
	timeout time.Duration
}

func (s timeoutService) Ready() error {
	return s.next.Ready()
}

func (s timeoutService) Call(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	tCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	res, err := s.next.Call(tCtx, msg)
	if err != nil && errors.Is(tCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return JSONRPCMessage{}, &TimeoutError{Duration: s.timeout}
	}
	return res, err
}
