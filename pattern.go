package dispatch

import "google.golang.org/grpc"

// Pattern identifies the interaction shape of an RPC call. The zero value
// means the pattern has not been declared and must be classified from the
// call's transport capabilities.
type Pattern int

const (
	// Unary is a single request followed by a single response.
	Unary Pattern = iota + 1
	// ServerStreaming is a single request followed by a response stream.
	ServerStreaming
	// ClientStreaming is a request stream followed by a single response.
	ClientStreaming
	// Bidirectional is a request stream paired with a response stream.
	Bidirectional
)

func (p Pattern) String() string {
	switch p {
	case Unary:
		return "unary"
	case ServerStreaming:
		return "server_streaming"
	case ClientStreaming:
		return "client_streaming"
	case Bidirectional:
		return "bidirectional"
	default:
		return "undeclared"
	}
}

// StreamCapabilities is the subset of a transport call handle needed to
// classify its interaction pattern.
type StreamCapabilities interface {
	// Readable reports whether the transport expects further inbound
	// messages on this call.
	Readable() bool
	// Writable reports whether the transport accepts further outbound
	// messages on this call.
	Writable() bool
}

// Classify derives the interaction pattern from the capability flags the
// transport reports for a call. Both flags set resolves to Bidirectional, so
// transports with ambiguous capability reporting err on the side of the
// richer pattern rather than the unary default. Callers that need guaranteed
// accuracy should instead carry the pattern declared by the method's static
// descriptor (see PatternForStreamDesc) on the call's RouteBinding.
func Classify(c StreamCapabilities) Pattern {
	switch {
	case c.Readable() && c.Writable():
		return Bidirectional
	case c.Readable():
		return ClientStreaming
	case c.Writable():
		return ServerStreaming
	default:
		return Unary
	}
}

// PatternForStreamDesc maps a gRPC method descriptor's declared request and
// response cardinality onto a Pattern. Deciding the pattern once, at route
// registration time, avoids re-deriving it per call from capability flags
// that not every transport reports consistently.
func PatternForStreamDesc(desc *grpc.StreamDesc) Pattern {
	switch {
	case desc.ClientStreams && desc.ServerStreams:
		return Bidirectional
	case desc.ClientStreams:
		return ClientStreaming
	case desc.ServerStreams:
		return ServerStreaming
	default:
		return Unary
	}
}
