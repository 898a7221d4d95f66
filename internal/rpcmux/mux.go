// Package rpcmux multiplexes JSON-RPC calls over a single line-oriented
// transport: it allocates ids, tracks pending calls, demultiplexes
// responses and notifications off one reader goroutine, and serializes
// writes so concurrent callers never interleave frames.
package rpcmux

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/kestrel-sh/matchlock/internal/wire"
)

// LineTransport is the minimal surface rpcmux needs from a connection. Both
// internal/transport.Process and test fakes satisfy it.
type LineTransport interface {
	WriteLine(line []byte) error
	ReadLine() ([]byte, error)
}

// ErrClosed is returned by Call once the multiplexer has shut down.
var ErrClosed = errors.New("rpcmux: connection closed")

// TimeoutError is returned when a call's context is done before a response
// arrives. A best-effort "cancel" RPC has already been sent.
type TimeoutError struct {
	Method string
	Cause  error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rpcmux: call %q timed out: %v", e.Method, e.Cause)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// NotificationHandler is invoked for every notification other than
// exec_stream.stdout/stderr; those go to the pending call with the matching
// id, or are dropped when there is none. Typically wired to the VFS event
// dispatcher.
type NotificationHandler func(method string, params json.RawMessage)

// StreamHandler receives streaming notification payloads associated with a
// specific in-flight call (exec_stream.stdout / exec_stream.stderr).
type StreamHandler func(method string, params json.RawMessage)

type pendingCall struct {
	ch     chan result
	stream StreamHandler
}

type result struct {
	raw json.RawMessage
	err error
}

// Mux is a JSON-RPC multiplexer over a single LineTransport.
type Mux struct {
	transport LineTransport
	nextID    atomic.Uint64

	mu      sync.Mutex
	pending map[uint64]*pendingCall
	closed  bool

	onNotify NotificationHandler
	onEOF    func()

	readerOnce sync.Once
	readerDone chan struct{}
}

// New creates a multiplexer. onNotify is called from the reader goroutine
// for any notification other than exec_stream.stdout/stderr, so it must
// not block. onEOF, if non-nil, is called exactly once from the reader
// goroutine when the transport is lost (read error or EOF) — not when Stop
// is called explicitly — so the owner can react to unexpected subprocess
// death (e.g. tear down a local hook server) the same way it would react to
// an explicit Close.
func New(t LineTransport, onNotify NotificationHandler, onEOF func()) *Mux {
	return &Mux{
		transport:  t,
		pending:    make(map[uint64]*pendingCall),
		onNotify:   onNotify,
		onEOF:      onEOF,
		readerDone: make(chan struct{}),
	}
}

// Start launches the background reader goroutine. Safe to call multiple
// times; only the first call has effect.
func (m *Mux) Start() {
	m.readerOnce.Do(func() {
		go m.readLoop()
	})
}

// Call sends a request and blocks for its response, or until ctx is done.
// If stream is non-nil it receives exec_stream.stdout/stderr notifications
// carrying this call's id until the final response arrives.
func (m *Mux) Call(ctx context.Context, method string, params any, stream StreamHandler) (json.RawMessage, error) {
	m.Start()

	id := m.nextID.Add(1)
	pc := &pendingCall{ch: make(chan result, 1), stream: stream}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.pending[id] = pc
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
	}()

	line, err := wire.EncodeLine(wire.NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	if err := m.transport.WriteLine(line); err != nil {
		return nil, fmt.Errorf("rpcmux: write %q: %w", method, err)
	}

	select {
	case r := <-pc.ch:
		return r.raw, r.err
	case <-ctx.Done():
		m.sendCancel(id)
		return nil, &TimeoutError{Method: method, Cause: ctx.Err()}
	}
}

// sendCancel fires a best-effort "cancel" RPC for targetID. Errors are
// swallowed: there is no pending caller left to report them to.
func (m *Mux) sendCancel(targetID uint64) {
	id := m.nextID.Add(1)
	line, err := wire.EncodeLine(wire.NewRequest(id, "cancel", map[string]uint64{"id": targetID}))
	if err != nil {
		return
	}
	_ = m.transport.WriteLine(line)
}

func (m *Mux) readLoop() {
	defer close(m.readerDone)
	for {
		line, err := m.transport.ReadLine()
		if err != nil {
			m.mu.Lock()
			stopped := m.closed
			m.mu.Unlock()
			m.failAll(fmt.Errorf("rpcmux: connection closed: %w", err))
			if m.onEOF != nil && !stopped {
				m.onEOF()
			}
			return
		}
		if len(line) == 0 {
			continue
		}

		kind, resp, notif, err := wire.Classify(line)
		if err != nil {
			log.Printf("rpcmux: dropping malformed frame: %v", err)
			continue
		}

		switch kind {
		case wire.KindResponse:
			m.dispatchResponse(resp)
		case wire.KindNotification:
			m.dispatchNotification(notif)
		}
	}
}

func (m *Mux) dispatchResponse(resp *wire.Response) {
	if resp.ID == nil {
		return
	}
	m.mu.Lock()
	pc, ok := m.pending[*resp.ID]
	m.mu.Unlock()
	if !ok {
		log.Printf("rpcmux: response for unknown id %d dropped", *resp.ID)
		return
	}

	if resp.Error != nil {
		pc.ch <- result{err: &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}}
		return
	}
	pc.ch <- result{raw: resp.Result}
}

func (m *Mux) dispatchNotification(notif *wire.Notification) {
	switch notif.Method {
	case "exec_stream.stdout", "exec_stream.stderr":
		var p struct {
			ID *uint64 `json:"id"`
		}
		if err := json.Unmarshal(notif.Params, &p); err != nil || p.ID == nil {
			return
		}
		m.mu.Lock()
		pc, ok := m.pending[*p.ID]
		m.mu.Unlock()
		if ok && pc.stream != nil {
			pc.stream(notif.Method, notif.Params)
		}
		return
	}

	if m.onNotify != nil {
		m.onNotify(notif.Method, notif.Params)
	}
}

func (m *Mux) failAll(cause error) {
	m.mu.Lock()
	m.closed = true
	pending := m.pending
	m.pending = make(map[uint64]*pendingCall)
	m.mu.Unlock()

	for _, pc := range pending {
		pc.ch <- result{err: cause}
	}
}

// Stop marks the multiplexer closed and fails any pending calls. It does
// not close the underlying transport; callers own that lifecycle.
func (m *Mux) Stop() {
	m.failAll(ErrClosed)
}

// RPCError is the Go representation of a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpcmux: rpc error %d: %s", e.Code, e.Message)
}
