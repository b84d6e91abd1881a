package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// StdioTransport spawns a child server process and speaks newline-delimited
// JSON-RPC over its standard input and output. Diagnostic text the child writes
// to standard error is drained and logged out-of-band; it is never treated as
// protocol traffic.
//
// The session runs two loops for its lifetime: a writer that serializes queued
// outgoing messages onto stdin with an explicit flush per message, and a reader
// that decodes stdout line by line and resolves pending requests. Process exit
// or a broken pipe resolves every pending request with ErrClosed.
type StdioTransport struct {
	command string
	args    []string
	env     map[string]string
	dir     string
	logger  *slog.Logger
	notify  NotificationHandler

	closeGrace time.Duration

	mu     sync.Mutex
	handle *stdioHandle
}

// StdioOption configures a StdioTransport.
type StdioOption func(*StdioTransport)

// WithStdioEnv sets extra environment variables for the child process, layered
// over the safe inherited set.
func WithStdioEnv(env map[string]string) StdioOption {
	return func(t *StdioTransport) {
		t.env = env
	}
}

// WithStdioDir sets the working directory of the child process.
func WithStdioDir(dir string) StdioOption {
	return func(t *StdioTransport) {
		t.dir = dir
	}
}

// WithStdioLogger sets the logger used for session diagnostics.
func WithStdioLogger(logger *slog.Logger) StdioOption {
	return func(t *StdioTransport) {
		t.logger = logger
	}
}

// WithStdioNotifications sets the handler receiving server-pushed notifications.
func WithStdioNotifications(h NotificationHandler) StdioOption {
	return func(t *StdioTransport) {
		t.notify = h
	}
}

// defaultInheritedEnvVars is the allowlist of parent environment variables passed
// to the child when no explicit environment is configured.
var defaultInheritedEnvVars = []string{
	"HOME", "LOGNAME", "PATH", "SHELL", "TERM", "USER",
}

// NewStdioTransport creates a transport that will spawn command with args when
// Start is called.
func NewStdioTransport(command string, args []string, options ...StdioOption) *StdioTransport {
	t := &StdioTransport{
		command:    command,
		args:       args,
		logger:     slog.Default(),
		closeGrace: 100 * time.Millisecond,
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// Start spawns the child process and begins the session loops. It returns a
// Handle that many goroutines may use concurrently; all physical I/O funnels
// through the session's writer and reader goroutines.
func (t *StdioTransport) Start(ctx context.Context) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handle != nil {
		return nil, transportErr("stdio", "start", errors.New("already started"))
	}

	cmd := exec.CommandContext(ctx, t.command, t.args...)
	cmd.Dir = t.dir
	cmd.Env = t.buildEnv()
	// Own process group so the whole child tree can be signalled on close.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, transportErr("stdio", "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, transportErr("stdio", "stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, transportErr("stdio", "stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, transportErr("stdio", "spawn", fmt.Errorf("%s: %w", t.command, err))
	}

	sessID := uuid.New().String()
	logger := t.logger.With(
		slog.String("transport", "stdio"),
		slog.String("session", sessID),
		slog.String("command", t.command),
	)

	h := &stdioHandle{
		sessionID:  sessID,
		logger:     logger,
		notify:     t.notify,
		cmd:        cmd,
		stdin:      stdin,
		writes:     make(chan stdioWrite),
		pending:    newPendingRequests(logger),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
	}

	go h.writeLoop()
	go h.readLoop(stdout)
	go h.drainStderr(stderr)
	go h.waitExit()

	t.handle = h
	return h, nil
}

// Close terminates the session: it closes the child's stdin, waits briefly for a
// voluntary exit, and kills the process if it lingers. Pending requests resolve
// with ErrClosed.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	h := t.handle
	t.mu.Unlock()

	if h == nil {
		return nil
	}
	return h.close(t.closeGrace)
}

func (t *StdioTransport) buildEnv() []string {
	env := make([]string, 0, len(defaultInheritedEnvVars)+len(t.env))
	for _, key := range defaultInheritedEnvVars {
		if _, override := t.env[key]; override {
			continue
		}
		if value := os.Getenv(key); value != "" {
			env = append(env, key+"="+value)
		}
	}
	for k, v := range t.env {
		env = append(env, k+"="+v)
	}
	return env
}

type stdioWrite struct {
	data []byte
	errs chan error
}

type stdioHandle struct {
	sessionID string
	logger    *slog.Logger
	notify    NotificationHandler

	cmd   *exec.Cmd
	stdin io.WriteCloser

	writes  chan stdioWrite
	pending *pendingRequests

	done       chan struct{}
	exited     chan struct{}
	readDone   chan struct{}
	stderrDone chan struct{}
	downOnce   sync.Once
}

func (h *stdioHandle) SessionID() string {
	return h.sessionID
}

func (h *stdioHandle) Ready() error {
	select {
	case <-h.done:
		return ErrClosed
	default:
		return nil
	}
}

// Send queues one message for the writer loop. For a request the pending entry
// is registered before the write so a fast reply cannot race the registration;
// the caller then suspends on its own reply slot only.
func (h *stdioHandle) Send(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, transportErr("stdio", "encode", err)
	}
	// Newline framing.
	msgBs = append(msgBs, '\n')

	var reply chan JSONRPCMessage
	if msg.IsRequest() {
		reply, err = h.pending.register(msg.ID)
		if err != nil {
			return JSONRPCMessage{}, transportErr("stdio", "send", err)
		}
	}

	if err := h.write(ctx, msgBs); err != nil {
		if reply != nil {
			h.pending.deregister(msg.ID)
		}
		return JSONRPCMessage{}, err
	}

	if reply == nil {
		// Notification: no reply will ever come.
		return JSONRPCMessage{}, nil
	}

	select {
	case res := <-reply:
		return res, nil
	case <-ctx.Done():
		h.pending.deregister(msg.ID)
		return JSONRPCMessage{}, ctx.Err()
	case <-h.done:
		// The read loop resolves replies before teardown, so a reply that
		// raced the close may already sit in the slot.
		select {
		case res := <-reply:
			return res, nil
		default:
		}
		return JSONRPCMessage{}, transportErr("stdio", "send", ErrClosed)
	}
}

func (h *stdioHandle) write(ctx context.Context, data []byte) error {
	w := stdioWrite{
		data: data,
		errs: make(chan error, 1),
	}

	select {
	case h.writes <- w:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return transportErr("stdio", "write", ErrClosed)
	}

	select {
	case err := <-w.errs:
		if err != nil {
			return transportErr("stdio", "write", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return transportErr("stdio", "write", ErrClosed)
	}
}

func (h *stdioHandle) writeLoop() {
	// The buffered writer is flushed after every message so partial buffering
	// never stalls delivery to the child.
	writer := bufio.NewWriter(h.stdin)

	for {
		var w stdioWrite
		select {
		case <-h.done:
			return
		case w = <-h.writes:
		}

		_, err := writer.Write(w.data)
		if err == nil {
			err = writer.Flush()
		}
		w.errs <- err
	}
}

func (h *stdioHandle) readLoop(stdout io.Reader) {
	defer func() {
		close(h.readDone)
		h.teardown()
	}()

	// bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(stdout)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				h.logger.Error("failed to read child stdout", "err", err)
			}
			return
		}

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			continue
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			h.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		routeIncoming(h.logger, h.pending, h.notify, msg)
	}
}

func (h *stdioHandle) drainStderr(stderr io.Reader) {
	defer close(h.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		h.logger.Warn("server stderr", "line", scanner.Text())
	}
}

func (h *stdioHandle) waitExit() {
	// Wait closes the pipes and discards their buffered data, so it must not
	// run until both drain loops hit EOF. Otherwise a reply the child wrote
	// right before exiting can be lost.
	<-h.readDone
	<-h.stderrDone

	err := h.cmd.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Warn("server process exited", "err", err)
	}
	close(h.exited)
	h.teardown()
}

// teardown marks the session closed and fails every pending request, so no
// caller is left suspended after the child dies.
func (h *stdioHandle) teardown() {
	h.downOnce.Do(func() {
		close(h.done)
		h.pending.failAll()
	})
}

func (h *stdioHandle) close(grace time.Duration) error {
	h.teardown()

	// Closing stdin asks a well-behaved server to exit on its own.
	if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		h.logger.Warn("failed to close child stdin", "err", err)
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(grace):
	}

	if h.cmd.Process != nil {
		// The child owns its process group, so the signal reaches any
		// grandchildren it spawned.
		err := syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
		if err != nil && !errors.Is(err, syscall.ESRCH) {
			return transportErr("stdio", "close", err)
		}
	}
	<-h.exited
	return nil
}
