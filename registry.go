package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RegistryConfig bounds the registry's admission and accounting behavior.
// It is immutable once the registry is constructed.
type RegistryConfig struct {
	MaxConcurrentStreams       int
	StreamTimeout              time.Duration
	BackpressureThresholdBytes int
}

// StreamRecord is one in-flight stream's accounting state. Records are owned
// exclusively by the registry; callers observe copies and mutate only through
// Update.
type StreamRecord struct {
	ID            int64
	Pattern       Pattern
	StartTime     time.Time
	MessageCount  int
	BufferedBytes int
	// Active reports whether the registry still tracks this record.
	Active bool
}

// StreamRegistry is the authoritative table of in-flight stream state. A call
// maps to at most one active record; records are created on admission and
// destroyed on end, error, cancel or timeout.
type StreamRegistry struct {
	cfg     RegistryConfig
	logger  *zap.Logger
	metrics *Metrics

	// now is replaceable for tests.
	now func() time.Time

	mu      sync.Mutex
	streams map[int64]*StreamRecord
}

// NewStreamRegistry constructs an empty registry. logger and metrics may be
// nil.
func NewStreamRegistry(cfg RegistryConfig, logger *zap.Logger, metrics *Metrics) *StreamRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamRegistry{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		streams: map[int64]*StreamRecord{},
	}
}

// Admit registers a new stream against the concurrency ceiling. Rejection is
// reported as ErrAdmissionRejected, never panicked. Admission runs an
// opportunistic sweep first, so a table full of timed-out streams does not
// starve new calls.
func (r *StreamRegistry) Admit(id int64, pattern Pattern) (StreamRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweepLocked(r.now())

	if len(r.streams) >= r.cfg.MaxConcurrentStreams {
		r.metrics.rejectedAdmission()
		return StreamRecord{}, ErrAdmissionRejected
	}
	if _, ok := r.streams[id]; ok {
		return StreamRecord{}, status.Errorf(codes.AlreadyExists, "stream %d already admitted", id)
	}

	rec := &StreamRecord{
		ID:        id,
		Pattern:   pattern,
		StartTime: r.now(),
		Active:    true,
	}
	r.streams[id] = rec
	r.metrics.addActive(1)
	return *rec, nil
}

// Update merges message-count and buffered-byte deltas into the stream's
// record. Updates for ids that were already evicted are ignored; late events
// race with eviction and must be safe to replay.
func (r *StreamRegistry) Update(id int64, messageDelta, byteDelta int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.streams[id]
	if !ok {
		return
	}
	rec.MessageCount += messageDelta
	rec.BufferedBytes += byteDelta
	if rec.BufferedBytes < 0 {
		rec.BufferedBytes = 0
	}
}

// IsBackpressured reports whether the stream's buffered bytes exceed the
// configured threshold. Unknown ids are never backpressured.
func (r *StreamRegistry) IsBackpressured(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.streams[id]
	return ok && rec.BufferedBytes > r.cfg.BackpressureThresholdBytes
}

// Get returns a snapshot of the stream's record, if still present.
func (r *StreamRegistry) Get(id int64) (StreamRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.streams[id]
	if !ok {
		return StreamRecord{}, false
	}
	return *rec, true
}

// Remove deletes the stream's record unconditionally. Removing an id that is
// absent is a no-op.
func (r *StreamRegistry) Remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.streams[id]
	if !ok {
		return
	}
	rec.Active = false
	delete(r.streams, id)
	r.metrics.addActive(-1)
}

// Sweep evicts every stream older than the configured timeout and returns
// the number evicted. It also runs opportunistically on every Admit and may
// be driven by an external timer via SweepLoop.
func (r *StreamRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sweepLocked(r.now())
}

func (r *StreamRegistry) sweepLocked(now time.Time) int {
	if r.cfg.StreamTimeout <= 0 {
		return 0
	}
	evicted := 0
	for id, rec := range r.streams {
		age := now.Sub(rec.StartTime)
		if age <= r.cfg.StreamTimeout {
			continue
		}
		rec.Active = false
		delete(r.streams, id)
		evicted++
		r.metrics.addActive(-1)
		r.metrics.evictedTimeout()
		r.logger.Warn("evicting timed-out stream",
			zap.Int64("stream_id", id),
			zap.Stringer("pattern", rec.Pattern),
			zap.Duration("age", age),
			zap.Int("message_count", rec.MessageCount),
			zap.Int("buffered_bytes", rec.BufferedBytes))
	}
	return evicted
}

// ActiveCount returns the number of active records. It never exceeds
// MaxConcurrentStreams.
func (r *StreamRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// SweepLoop runs periodic sweeps every interval until ctx is done. It is
// typically run in its own goroutine alongside the dispatcher.
func (r *StreamRegistry) SweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}
