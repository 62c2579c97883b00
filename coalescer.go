package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// BatchExecutor performs the downstream call for one coalesced batch,
// returning one result per payload, in order. The coalescer only guarantees
// grouping and fan-out; the downstream call itself belongs to the executor.
type BatchExecutor func(ctx context.Context, target string, payloads [][]byte) ([][]byte, error)

type batchOutcome struct {
	data []byte
	err  error
}

// BatchResult is the pending outcome of one coalesced entry. It resolves
// exactly once, when the entry's batch fires.
type BatchResult struct {
	ch chan batchOutcome
}

// Await blocks until the entry's batch has fired, returning the entry's
// share of the batch outcome, or ctx's error if it finishes first.
func (r *BatchResult) Await(ctx context.Context) ([]byte, error) {
	select {
	case out := <-r.ch:
		return out.data, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type batchEntry struct {
	payload []byte
	result  *BatchResult
}

// BatchCoalescer groups outbound calls per downstream target and resolves
// them together once a count or time threshold fires, whichever comes first.
// Each target holds at most one pending timer, and each queued entry is
// resolved exactly once, by exactly one of the count trigger, the timer, or
// Flush.
type BatchCoalescer struct {
	size    int
	delay   time.Duration
	exec    BatchExecutor
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.Mutex
	queues map[string][]batchEntry
	timers map[string]*time.Timer
}

// NewBatchCoalescer constructs a coalescer firing batches of size entries,
// or after delay for undersized batches. logger and metrics may be nil.
func NewBatchCoalescer(size int, delay time.Duration, exec BatchExecutor, logger *zap.Logger, metrics *Metrics) *BatchCoalescer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchCoalescer{
		size:    size,
		delay:   delay,
		exec:    exec,
		logger:  logger,
		metrics: metrics,
		queues:  map[string][]batchEntry{},
		timers:  map[string]*time.Timer{},
	}
}

// Add queues payload for target's next batch and returns a handle for the
// entry's outcome. Reaching the batch size fires the batch before Add
// returns; otherwise the first queued entry starts the target's delay timer.
func (b *BatchCoalescer) Add(ctx context.Context, target string, payload []byte) *BatchResult {
	entry := batchEntry{
		payload: payload,
		result:  &BatchResult{ch: make(chan batchOutcome, 1)},
	}

	b.mu.Lock()
	b.queues[target] = append(b.queues[target], entry)
	if len(b.queues[target]) >= b.size {
		entries := b.takeLocked(target)
		b.mu.Unlock()
		b.execute(ctx, target, entries)
		return entry.result
	}
	if _, pending := b.timers[target]; !pending {
		b.timers[target] = time.AfterFunc(b.delay, func() {
			b.Fire(target)
		})
	}
	b.mu.Unlock()
	return entry.result
}

// Fire immediately executes target's pending batch, if any, cancelling its
// timer.
func (b *BatchCoalescer) Fire(target string) {
	b.mu.Lock()
	entries := b.takeLocked(target)
	b.mu.Unlock()
	b.execute(context.Background(), target, entries)
}

// Flush fires every pending target queue and cancels all timers. Used during
// shutdown so buffered requests are not dropped.
func (b *BatchCoalescer) Flush() {
	b.mu.Lock()
	targets := make([]string, 0, len(b.queues))
	for target := range b.queues {
		targets = append(targets, target)
	}
	b.mu.Unlock()

	var grp errgroup.Group
	for _, target := range targets {
		target := target
		grp.Go(func() error {
			b.Fire(target)
			return nil
		})
	}
	_ = grp.Wait()
}

// takeLocked removes and returns target's queue and stops its pending timer.
func (b *BatchCoalescer) takeLocked(target string) []batchEntry {
	entries := b.queues[target]
	delete(b.queues, target)
	if timer, ok := b.timers[target]; ok {
		timer.Stop()
		delete(b.timers, target)
	}
	return entries
}

func (b *BatchCoalescer) execute(ctx context.Context, target string, entries []batchEntry) {
	if len(entries) == 0 {
		return
	}
	b.metrics.firedBatch(len(entries))
	b.logger.Debug("firing batch", zap.String("target", target), zap.Int("entries", len(entries)))

	payloads := make([][]byte, len(entries))
	for i, e := range entries {
		payloads[i] = e.payload
	}

	var results [][]byte
	var err error
	switch {
	case b.exec == nil:
		err = status.Error(codes.Unimplemented, "no batch executor configured")
	default:
		results, err = b.exec(ctx, target, payloads)
		if err == nil && len(results) != len(entries) {
			err = status.Errorf(codes.Internal, "batch executor returned %d results for %d entries", len(results), len(entries))
		}
	}

	for i, e := range entries {
		if err != nil {
			e.result.ch <- batchOutcome{err: err}
			continue
		}
		e.result.ch <- batchOutcome{data: results[i]}
	}
}
