package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type recordingExecutor struct {
	mu      sync.Mutex
	batches [][][]byte
	targets []string
	err     error
	results func(payloads [][]byte) [][]byte
}

func (e *recordingExecutor) exec(_ context.Context, target string, payloads [][]byte) ([][]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = append(e.batches, payloads)
	e.targets = append(e.targets, target)
	if e.err != nil {
		return nil, e.err
	}
	if e.results != nil {
		return e.results(payloads), nil
	}
	return payloads, nil
}

func (e *recordingExecutor) batchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

func TestCoalescerFiresOnCount(t *testing.T) {
	exec := &recordingExecutor{}
	// an hour of delay: only the count trigger can fire this batch
	b := NewBatchCoalescer(3, time.Hour, exec.exec, nil, nil)

	ctx := context.Background()
	r1 := b.Add(ctx, "ledger", []byte("a"))
	r2 := b.Add(ctx, "ledger", []byte("b"))
	r3 := b.Add(ctx, "ledger", []byte("c"))

	require.Equal(t, 1, exec.batchCount())
	assert.Equal(t, [][]byte{[]byte("a"), []byte("b"), []byte("c")}, exec.batches[0])
	assert.Equal(t, "ledger", exec.targets[0])

	awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for i, r := range []*BatchResult{r1, r2, r3} {
		data, err := r.Await(awaitCtx)
		require.NoError(t, err)
		assert.Equal(t, exec.batches[0][i], data)
	}

	// the first entry's timer was cancelled; nothing fires twice
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, exec.batchCount())
}

func TestCoalescerFiresOnTimer(t *testing.T) {
	exec := &recordingExecutor{}
	b := NewBatchCoalescer(10, 30*time.Millisecond, exec.exec, nil, nil)

	ctx := context.Background()
	r1 := b.Add(ctx, "ledger", []byte("a"))
	r2 := b.Add(ctx, "ledger", []byte("b"))
	require.Zero(t, exec.batchCount(), "undersized batch must wait for the timer")

	awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	data, err := r1.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)
	data, err = r2.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), data)

	assert.Equal(t, 1, exec.batchCount(), "one timer fire resolves the whole queue")
}

func TestCoalescerSeparateTargets(t *testing.T) {
	exec := &recordingExecutor{}
	b := NewBatchCoalescer(2, time.Hour, exec.exec, nil, nil)

	ctx := context.Background()
	b.Add(ctx, "a", []byte("1"))
	b.Add(ctx, "b", []byte("2"))
	assert.Zero(t, exec.batchCount(), "queues must not be coalesced across targets")

	b.Add(ctx, "a", []byte("3"))
	require.Equal(t, 1, exec.batchCount())
	assert.Equal(t, "a", exec.targets[0])
}

func TestCoalescerFlush(t *testing.T) {
	exec := &recordingExecutor{}
	b := NewBatchCoalescer(10, time.Hour, exec.exec, nil, nil)

	ctx := context.Background()
	r1 := b.Add(ctx, "a", []byte("1"))
	r2 := b.Add(ctx, "b", []byte("2"))
	b.Flush()

	require.Equal(t, 2, exec.batchCount())
	awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if _, err := r1.Await(awaitCtx); err != nil {
		t.Errorf("flush did not resolve entry: %v", err)
	}
	if _, err := r2.Await(awaitCtx); err != nil {
		t.Errorf("flush did not resolve entry: %v", err)
	}

	// flushed timers are cancelled; nothing fires again
	b.Flush()
	assert.Equal(t, 2, exec.batchCount())
}

func TestCoalescerExecutorError(t *testing.T) {
	execErr := errors.New("downstream unavailable")
	exec := &recordingExecutor{err: execErr}
	b := NewBatchCoalescer(2, time.Hour, exec.exec, nil, nil)

	ctx := context.Background()
	r1 := b.Add(ctx, "t", []byte("1"))
	r2 := b.Add(ctx, "t", []byte("2"))

	awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := r1.Await(awaitCtx)
	assert.ErrorIs(t, err, execErr)
	_, err = r2.Await(awaitCtx)
	assert.ErrorIs(t, err, execErr)
}

func TestCoalescerShortResultSlice(t *testing.T) {
	exec := &recordingExecutor{results: func(payloads [][]byte) [][]byte {
		return payloads[:1]
	}}
	b := NewBatchCoalescer(2, time.Hour, exec.exec, nil, nil)

	ctx := context.Background()
	r1 := b.Add(ctx, "t", []byte("1"))
	r2 := b.Add(ctx, "t", []byte("2"))

	awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err := r1.Await(awaitCtx)
	assert.Equal(t, codes.Internal, status.Code(err))
	_, err = r2.Await(awaitCtx)
	assert.Equal(t, codes.Internal, status.Code(err), "a short result slice fails entries, never drops them")
}

func TestCoalescerNoExecutor(t *testing.T) {
	b := NewBatchCoalescer(1, time.Hour, nil, nil, nil)
	r := b.Add(context.Background(), "t", []byte("1"))

	awaitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := r.Await(awaitCtx)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}
