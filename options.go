package dispatch

import (
	"time"

	"go.uber.org/zap"
)

// Defaults applied by Options.withDefaults for fields left at their zero
// value.
const (
	DefaultMaxConcurrentStreams       = 1000
	DefaultStreamTimeout              = 2 * time.Minute
	DefaultBackpressureThresholdBytes = 64 << 10
	DefaultPoolSize                   = 16
	DefaultBatchSize                  = 25
	DefaultBatchDelay                 = 100 * time.Millisecond
	DefaultBackpressureRetryDelay     = 10 * time.Millisecond
)

// Options contains various fields that can be used to customize a
// Dispatcher. All fields are optional.
//
// See NewDispatcher.
type Options struct {
	// MaxConcurrentStreams is the global admission ceiling. Calls arriving
	// while this many streams are in flight are refused.
	MaxConcurrentStreams int
	// StreamTimeout bounds the lifetime of any admitted stream. Streams
	// older than this are evicted by the registry's sweep and have their
	// output channel closed.
	StreamTimeout time.Duration
	// BackpressureThresholdBytes is the buffered-byte count above which a
	// stream refuses further writes and pauses inbound reads.
	BackpressureThresholdBytes int
	// BackpressureRetryDelay is how long a paused inbound channel waits
	// before re-checking the backpressure signal.
	BackpressureRetryDelay time.Duration
	// PoolSize caps the number of idle downstream connections kept per
	// target.
	PoolSize int
	// BatchSize is the queue length at which a pending batch fires
	// immediately.
	BatchSize int
	// BatchDelay is how long an undersized batch waits before firing.
	BatchDelay time.Duration

	// ConnFactory creates downstream connections for the pool. If nil, the
	// pool refuses checkouts with an error.
	ConnFactory ConnFactory
	// BatchExecutor performs the downstream call for a coalesced batch. If
	// nil, batches resolve with an Unimplemented error.
	BatchExecutor BatchExecutor

	// Logger receives the engine's structured logs. Defaults to a no-op
	// logger.
	Logger *zap.Logger
	// Metrics, if set, receives the engine's instrumentation. See
	// NewMetrics.
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentStreams <= 0 {
		o.MaxConcurrentStreams = DefaultMaxConcurrentStreams
	}
	if o.StreamTimeout <= 0 {
		o.StreamTimeout = DefaultStreamTimeout
	}
	if o.BackpressureThresholdBytes <= 0 {
		o.BackpressureThresholdBytes = DefaultBackpressureThresholdBytes
	}
	if o.BackpressureRetryDelay <= 0 {
		o.BackpressureRetryDelay = DefaultBackpressureRetryDelay
	}
	if o.PoolSize <= 0 {
		o.PoolSize = DefaultPoolSize
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = DefaultBatchDelay
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
