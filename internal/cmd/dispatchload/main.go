// Command dispatchload drives the dispatch engine with sustained bursts of
// all four call patterns over an in-memory transport, plus coalesced
// outbound batches, and reports totals. Useful for eyeballing throughput and
// for shaking out lifecycle races under -race.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/streamrpc/dispatch"
	"github.com/streamrpc/dispatch/internal/calltest"
)

func main() {
	workers := flag.Int("workers", 4, "concurrent workers per call pattern")
	duration := flag.Duration("duration", 5*time.Second, "how long to generate load")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	d := dispatch.NewDispatcher(echoHandler, dispatch.Options{
		MaxConcurrentStreams: 512,
		StreamTimeout:        30 * time.Second,
		BatchSize:            8,
		BatchDelay:           20 * time.Millisecond,
		ConnFactory:          nopConnFactory,
		BatchExecutor:        echoBatchExecutor,
		Logger:               logger,
	})
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	var calls atomic.Int64
	grp, ctx := errgroup.WithContext(ctx)
	type action func(context.Context, *dispatch.Dispatcher) error
	for _, fn := range []action{doUnary, doClientStream, doServerStream, doBidiStream, doBatch} {
		fn := fn
		for i := 0; i < *workers; i++ {
			grp.Go(func() error {
				for {
					if ctx.Err() != nil {
						return nil
					}
					if err := fn(ctx, d); err != nil {
						return err
					}
					calls.Add(1)
				}
			})
		}
	}
	if err := grp.Wait(); err != nil {
		log.Fatal(err)
	}
	fmt.Printf("completed %d calls in %s\n", calls.Load(), *duration)
}

func echoHandler(_ context.Context, rc *dispatch.RequestContext, payloads [][]byte) ([]byte, error) {
	switch rc.Pattern {
	case dispatch.ServerStreaming:
		for i := 0; i < 5; i++ {
			if !rc.WriteStream(payloads[0]) {
				break
			}
		}
		rc.EndStream()
		return nil, nil
	case dispatch.Bidirectional:
		rc.WriteStream(payloads[0])
		return nil, nil
	default:
		return bytes.Join(payloads, nil), nil
	}
}

func echoBatchExecutor(_ context.Context, _ string, payloads [][]byte) ([][]byte, error) {
	return payloads, nil
}

type nopConn struct{}

func (nopConn) Close() error { return nil }

func nopConnFactory(context.Context, string) (dispatch.Conn, error) {
	return nopConn{}, nil
}

var payload = bytes.Repeat([]byte{0, 1, 2, 3}, 100)

func binding() *dispatch.RouteBinding {
	return &dispatch.RouteBinding{Target: "loadgen", Method: "Echo"}
}

func doUnary(ctx context.Context, d *dispatch.Dispatcher) error {
	call := calltest.New(false, false)
	if err := call.Push(payload); err != nil {
		return err
	}
	call.HalfClose()
	done := make(chan error, 1)
	d.Dispatch(call, func(_ []byte, err error) { done <- err }, binding())
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		call.Cancel()
		return nil
	}
}

func doClientStream(ctx context.Context, d *dispatch.Dispatcher) error {
	call := calltest.New(true, false)
	for i := 0; i < 10; i++ {
		if err := call.Push(payload); err != nil {
			return err
		}
	}
	call.HalfClose()
	done := make(chan error, 1)
	d.Dispatch(call, func(_ []byte, err error) { done <- err }, binding())
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		call.Cancel()
		return nil
	}
}

func doServerStream(ctx context.Context, d *dispatch.Dispatcher) error {
	call := calltest.New(false, true)
	if err := call.Push(payload); err != nil {
		return err
	}
	call.HalfClose()
	d.Dispatch(call, nil, binding())
	if !call.AwaitEnd(10 * time.Second) {
		call.Cancel()
	}
	return ctx.Err()
}

func doBidiStream(ctx context.Context, d *dispatch.Dispatcher) error {
	call := calltest.New(true, true)
	for i := 0; i < 10; i++ {
		if err := call.Push(payload); err != nil {
			return err
		}
	}
	call.HalfClose()
	d.Dispatch(call, nil, binding())
	if !call.AwaitEnd(10 * time.Second) {
		call.Cancel()
	}
	return ctx.Err()
}

func doBatch(ctx context.Context, d *dispatch.Dispatcher) error {
	result := d.Coalescer().Add(ctx, "loadgen", payload)
	_, err := result.Await(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
