package dispatch

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Dispatcher is the engine's public entry point. It classifies each incoming
// call, admits it against the registry's concurrency ceiling, and runs the
// pattern handler that wires the call's data, end, error and cancel
// transitions to the business handler.
//
// The registry, connection pool and batch coalescer are owned by the
// dispatcher and reachable only through it; there is no package-global
// state.
type Dispatcher struct {
	opts      Options
	handler   HandlerFunc
	registry  *StreamRegistry
	pool      *ConnPool
	coalescer *BatchCoalescer
	logger    *zap.Logger

	stopping atomic.Bool
}

// NewDispatcher constructs a dispatcher running handler for every dispatched
// call, with a registry, connection pool and batch coalescer built from
// opts.
func NewDispatcher(handler HandlerFunc, opts Options) *Dispatcher {
	opts = opts.withDefaults()
	d := &Dispatcher{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger,
	}
	d.registry = NewStreamRegistry(RegistryConfig{
		MaxConcurrentStreams:       opts.MaxConcurrentStreams,
		StreamTimeout:              opts.StreamTimeout,
		BackpressureThresholdBytes: opts.BackpressureThresholdBytes,
	}, opts.Logger, opts.Metrics)
	d.pool = NewConnPool(opts.ConnFactory, opts.PoolSize, opts.Logger, opts.Metrics)
	d.coalescer = NewBatchCoalescer(opts.BatchSize, opts.BatchDelay, opts.BatchExecutor, opts.Logger, opts.Metrics)
	return d
}

// Registry returns the dispatcher's stream registry.
func (d *Dispatcher) Registry() *StreamRegistry { return d.registry }

// Pool returns the downstream connection pool, for handlers that issue their
// own downstream calls.
func (d *Dispatcher) Pool() *ConnPool { return d.pool }

// Coalescer returns the outbound batch coalescer, for handlers that issue
// their own downstream calls.
func (d *Dispatcher) Coalescer() *BatchCoalescer { return d.coalescer }

// InitiateShutdown stops admitting new calls while in-flight streams drain.
// New unary dispatches complete with ErrShuttingDown; new streaming
// dispatches have their output channel closed immediately.
func (d *Dispatcher) InitiateShutdown() {
	d.stopping.Store(true)
}

// Close shuts the engine down: it stops admissions, fires every pending
// outbound batch and closes all idle downstream connections.
func (d *Dispatcher) Close() {
	d.InitiateShutdown()
	d.coalescer.Flush()
	d.pool.Clear()
}

// Dispatch runs one incoming call. The binding's declared pattern wins when
// set; otherwise the pattern is classified from the call's capability flags.
// Dispatch returns once the call is admitted (or refused) and its handler
// scheduled; the outcome arrives through completion and the call's output
// channel.
func (d *Dispatcher) Dispatch(call ServerCall, completion Completion, binding *RouteBinding) {
	pattern := binding.Pattern
	if pattern == 0 {
		pattern = Classify(call)
	}

	if d.stopping.Load() {
		d.opts.Metrics.rejectedAdmission()
		d.refuse(call, completion, pattern, ErrShuttingDown)
		return
	}
	// Check the ceiling before admitting so a refused call never touches
	// the registry.
	if d.registry.ActiveCount() >= d.opts.MaxConcurrentStreams {
		d.opts.Metrics.rejectedAdmission()
		d.refuse(call, completion, pattern, ErrAdmissionRejected)
		return
	}
	// Admit can still reject a call that raced past the ceiling check; it
	// counts its own rejections.
	if _, err := d.registry.Admit(call.ID(), pattern); err != nil {
		d.refuse(call, completion, pattern, err)
		return
	}

	st := &streamState{
		d:          d,
		call:       call,
		pattern:    pattern,
		binding:    binding,
		completion: completion,
	}
	go st.serve()
}

func (d *Dispatcher) refuse(call ServerCall, completion Completion, pattern Pattern, err error) {
	d.logger.Debug("refusing call",
		zap.Int64("stream_id", call.ID()),
		zap.Stringer("pattern", pattern),
		zap.Error(err))
	if pattern == Unary {
		if completion != nil {
			completion(nil, err)
		}
		return
	}
	_ = call.CloseSend()
}

// streamState tracks one dispatched call from admission to its terminal
// transition. Every terminal path funnels through finish, which stops the
// lifetime timer, evicts the registry record and closes the output channel
// exactly once.
type streamState struct {
	d          *Dispatcher
	call       ServerCall
	pattern    Pattern
	binding    *RouteBinding
	completion Completion

	mu        sync.Mutex
	timer     *time.Timer
	finished  bool
	completed bool
}

func (st *streamState) serve() {
	var err error
	defer func() {
		// a panicking handler is converted to a transport-level error; the
		// stream still reaches its terminal transition
		if p := recover(); p != nil {
			err = status.Errorf(codes.Internal, "handler panicked in %s: %v", st.binding.Method, p)
		}
		st.finish(err)
	}()

	switch st.pattern {
	case ServerStreaming:
		err = st.serveServerStream()
	case ClientStreaming:
		err = st.serveClientStream()
	case Bidirectional:
		err = st.serveBidi()
	default:
		err = st.serveUnary()
	}
}

func (st *streamState) serveUnary() error {
	payloads, err := st.recvRequest()
	if err != nil {
		return err
	}
	result, err := st.invoke(st.requestContext(), payloads)
	if err != nil {
		return err
	}
	st.complete(result, nil)
	return nil
}

func (st *streamState) serveServerStream() error {
	st.startTimer()
	payloads, err := st.recvRequest()
	if err != nil {
		return err
	}
	rc := st.requestContext()
	rc.writeStream = st.writeStream
	rc.endStream = func() { st.finish(nil) }
	_, err = st.invoke(rc, payloads)
	return err
}

func (st *streamState) serveClientStream() error {
	st.startTimer()
	id := st.call.ID()
	var payloads [][]byte
	for {
		if st.isFinished() {
			// timed out under us; the record is gone and the handler must
			// not run
			return nil
		}
		payload, err := st.call.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// transport error or cancel: evict without invoking the handler
			return err
		}
		payloads = append(payloads, payload)
		st.d.registry.Update(id, 1, len(payload))
		if err := st.awaitDrain(id); err != nil {
			return err
		}
	}
	result, err := st.invoke(st.requestContext(), payloads)
	if err != nil {
		return err
	}
	st.complete(result, nil)
	return nil
}

func (st *streamState) serveBidi() error {
	st.startTimer()
	id := st.call.ID()
	rc := st.requestContext()
	rc.writeStream = st.writeStream
	rc.endStream = func() { st.finish(nil) }
	for {
		if st.isFinished() {
			return nil
		}
		payload, err := st.call.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		st.d.registry.Update(id, 1, len(payload))
		// the handler runs once per inbound message, not once per stream
		if _, err := st.invoke(rc, [][]byte{payload}); err != nil {
			return err
		}
		if err := st.awaitDrain(id); err != nil {
			return err
		}
	}
}

// recvRequest reads the single request payload of a Unary or ServerStreaming
// call. An immediate half-close yields an empty payload list.
func (st *streamState) recvRequest() ([][]byte, error) {
	payload, err := st.call.Recv()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.d.registry.Update(st.call.ID(), 1, len(payload))
	return [][]byte{payload}, nil
}

// awaitDrain pauses the inbound channel while the stream is backpressured,
// re-checking after the configured retry delay. The record can be evicted
// while paused, so presence is re-validated on every wake-up.
func (st *streamState) awaitDrain(id int64) error {
	for st.d.registry.IsBackpressured(id) {
		select {
		case <-time.After(st.d.opts.BackpressureRetryDelay):
		case <-st.call.Context().Done():
			return st.call.Context().Err()
		}
		if _, ok := st.d.registry.Get(id); !ok {
			return ErrStreamTimeout
		}
	}
	return nil
}

// writeStream sends one message on the call's output channel. It refuses the
// write, without buffering, when the stream is backpressured, already
// finished, or the transport rejects it.
func (st *streamState) writeStream(data []byte) bool {
	if st.isFinished() {
		return false
	}
	id := st.call.ID()
	if st.d.registry.IsBackpressured(id) {
		return false
	}
	if err := st.call.Send(data); err != nil {
		st.finish(err)
		return false
	}
	st.d.registry.Update(id, 1, 0)
	return true
}

func (st *streamState) requestContext() *RequestContext {
	md, _ := metadata.FromIncomingContext(st.call.Context())
	return &RequestContext{
		Binding: st.binding,
		Pattern: st.pattern,
		MD:      md,
	}
}

// invoke composes the binding's middleware chain around the dispatcher's
// handler and runs it.
func (st *streamState) invoke(rc *RequestContext, payloads [][]byte) ([]byte, error) {
	h := st.d.handler
	for i := len(st.binding.Middleware) - 1; i >= 0; i-- {
		h = st.binding.Middleware[i](h)
	}
	return h(st.call.Context(), rc, payloads)
}

// startTimer bounds the stream's total lifetime. On firing it runs the same
// terminal transition as any other exit, so the record is evicted and the
// output channel closed even if the handler never returns.
func (st *streamState) startTimer() {
	timer := time.AfterFunc(st.d.opts.StreamTimeout, func() {
		st.finish(ErrStreamTimeout)
	})
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		timer.Stop()
		return
	}
	st.timer = timer
	st.mu.Unlock()
}

func (st *streamState) isFinished() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.finished
}

// complete reports the call's single pending result. At most one report wins.
func (st *streamState) complete(result []byte, err error) {
	st.mu.Lock()
	if st.completed {
		st.mu.Unlock()
		return
	}
	st.completed = true
	st.mu.Unlock()
	if st.completion != nil {
		st.completion(result, err)
	}
}

// finish is the single exit for every terminal transition: end, error,
// cancel and timeout all land here. It stops the lifetime timer, evicts the
// registry record, settles any pending completion and closes the output
// channel, exactly once.
func (st *streamState) finish(err error) {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return
	}
	st.finished = true
	timer := st.timer
	st.timer = nil
	st.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	st.d.registry.Remove(st.call.ID())

	if errors.Is(err, io.EOF) {
		err = nil
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrStreamTimeout):
		st.d.logger.Warn("stream timed out",
			zap.Int64("stream_id", st.call.ID()),
			zap.Stringer("pattern", st.pattern),
			zap.String("method", st.binding.Method))
	default:
		st.d.logger.Debug("stream finished with error",
			zap.Int64("stream_id", st.call.ID()),
			zap.Stringer("pattern", st.pattern),
			zap.String("method", st.binding.Method),
			zap.Error(err))
	}

	// completion is still pending only for patterns with a single response
	if st.pattern == Unary || st.pattern == ClientStreaming {
		if err != nil {
			st.complete(nil, err)
		}
	}
	_ = st.call.CloseSend()
}
