// Package calltest provides an in-memory ServerCall implementation for
// exercising the dispatch engine without a real transport.
package calltest

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var nextID atomic.Int64

// Call is an in-memory transport call handle. The "client" side feeds it
// with Push, HalfClose and Cancel; the dispatcher consumes it through the
// ServerCall surface (ID, Context, Recv, Send, CloseSend and the capability
// flags).
type Call struct {
	id       int64
	readable bool
	writable bool

	ctx    context.Context
	cancel context.CancelFunc

	in chan []byte

	mu       sync.Mutex
	inClosed bool
	sent     [][]byte

	endOnce sync.Once
	ended   chan struct{}
}

// New creates a call reporting the given capability flags, with room to
// buffer 64 inbound messages.
func New(readable, writable bool) *Call {
	ctx, cancel := context.WithCancel(context.Background())
	return &Call{
		id:       nextID.Add(1),
		readable: readable,
		writable: writable,
		ctx:      ctx,
		cancel:   cancel,
		in:       make(chan []byte, 64),
		ended:    make(chan struct{}),
	}
}

func (c *Call) ID() int64                { return c.id }
func (c *Call) Readable() bool           { return c.readable }
func (c *Call) Writable() bool           { return c.writable }
func (c *Call) Context() context.Context { return c.ctx }

// Recv returns the next pushed payload, io.EOF after HalfClose, or the
// context error after Cancel. Buffered payloads drain before the closure is
// observed.
func (c *Call) Recv() ([]byte, error) {
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	default:
	}
	select {
	case b, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return b, nil
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

// Send records one outbound payload. It fails once the output channel has
// been closed.
func (c *Call) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ended:
		return errors.New("send on ended call")
	default:
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.sent = append(c.sent, cp)
	return nil
}

// CloseSend terminates the output channel. Safe to call repeatedly.
func (c *Call) CloseSend() error {
	c.endOnce.Do(func() { close(c.ended) })
	return nil
}

// Push delivers one inbound payload from the client side.
func (c *Call) Push(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inClosed {
		return errors.New("push after half-close")
	}
	c.in <- data
	return nil
}

// HalfClose signals end-of-input from the client side.
func (c *Call) HalfClose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inClosed {
		return
	}
	c.inClosed = true
	close(c.in)
}

// Cancel aborts the call from the client side.
func (c *Call) Cancel() {
	c.cancel()
}

// Sent returns a copy of the payloads written to the output channel so far.
func (c *Call) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// Ended reports whether the output channel has been closed.
func (c *Call) Ended() bool {
	select {
	case <-c.ended:
		return true
	default:
		return false
	}
}

// AwaitEnd blocks until the output channel closes or the timeout elapses,
// reporting which happened.
func (c *Call) AwaitEnd(timeout time.Duration) bool {
	select {
	case <-c.ended:
		return true
	case <-time.After(timeout):
		return false
	}
}
