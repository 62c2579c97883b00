package dispatch

import (
	"context"

	"google.golang.org/grpc/metadata"
)

// ServerCall is the transport's handle for one incoming RPC. The dispatcher
// never touches the wire format; payloads are opaque bytes already framed by
// the transport.
type ServerCall interface {
	StreamCapabilities

	// ID returns a process-unique identifier for the call, stable for its
	// whole lifetime.
	ID() int64
	// Context is the call's lifetime context. It is done once the caller
	// cancels or the transport tears the call down.
	Context() context.Context
	// Recv returns the next inbound message payload. It returns io.EOF once
	// the caller half-closes, and the context's error once the call is
	// cancelled.
	Recv() ([]byte, error)
	// Send writes one outbound message payload.
	Send([]byte) error
	// CloseSend terminates the call's output channel. It is safe to call
	// more than once.
	CloseSend() error
}

// Completion receives the terminal outcome of a dispatched call: the
// handler's single result for Unary and ClientStreaming patterns, or the
// error that ended the call. It is invoked at most once.
type Completion func(result []byte, err error)

// HandlerFunc is the sole hook into application code. The payloads slice
// holds the call's inbound messages: exactly one for Unary and
// ServerStreaming dispatches, the full accumulated request stream for
// ClientStreaming, and a single message per invocation for Bidirectional.
// A returned error propagates verbatim to the call's completion path.
type HandlerFunc func(ctx context.Context, rc *RequestContext, payloads [][]byte) ([]byte, error)

// Middleware wraps a handler invocation. Chains are composed in declaration
// order, outermost first.
type Middleware func(next HandlerFunc) HandlerFunc

// ParamMetadata describes how the external decoder maps one payload field
// onto a method parameter. The engine carries it to the handler untouched.
type ParamMetadata struct {
	Index  int
	Source string
}

// RouteBinding is what the route table resolved for a call's path: the
// controller, method and decode metadata the handler needs, plus the name of
// the downstream target the bound controller talks to.
type RouteBinding struct {
	// Target names the downstream this route's controller calls into, used
	// to key the connection pool and the batch coalescer.
	Target string
	// Controller returns the controller instance handling the method.
	Controller func() any
	// Method is the bound business method's name.
	Method string
	// Pattern, when set, is the interaction pattern declared by the
	// method's descriptor at registration time. It takes precedence over
	// per-call classification.
	Pattern Pattern
	// Params describes the method's parameter mapping for the decoder.
	Params []ParamMetadata
	// Middleware is the chain composed around the handler for this route.
	Middleware []Middleware
}

// RequestContext carries per-call state into the handler. For
// ServerStreaming and Bidirectional dispatches it also exposes the call's
// output channel through WriteStream and EndStream.
type RequestContext struct {
	Binding *RouteBinding
	Pattern Pattern
	// MD holds the request metadata the transport attached to the call.
	MD metadata.MD

	writeStream func([]byte) bool
	endStream   func()
}

// WriteStream writes one message to the call's output channel. It returns
// false, without buffering the message, when the stream is backpressured or
// already ended, and for patterns that have no output stream.
func (rc *RequestContext) WriteStream(data []byte) bool {
	if rc.writeStream == nil {
		return false
	}
	return rc.writeStream(data)
}

// EndStream terminates the call's output channel. It is a no-op for patterns
// that have no output stream.
func (rc *RequestContext) EndStream() {
	if rc.endStream != nil {
		rc.endStream()
	}
}
