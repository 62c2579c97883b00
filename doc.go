// Package dispatch implements the streaming-RPC dispatch engine that sits
// behind a multi-protocol request router: carrying unary, server-streaming,
// client-streaming and bidirectional calls from a transport to application
// handlers.
//
// The engine classifies each incoming call's interaction pattern, admits it
// against a global concurrency ceiling, tracks every in-flight stream's age
// and buffered volume so it can apply backpressure and reclaim resources on
// timeout, and multiplexes reusable downstream connections, coalescing bursts
// of outbound calls into batches.
//
// The route table that maps paths onto handlers, parameter decoding, and
// wire-format encoding are all external collaborators; payloads cross this
// package as opaque bytes.
package dispatch
