package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type fakeConn struct {
	name string

	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func TestConnPoolCreatesLazily(t *testing.T) {
	created := 0
	factory := func(_ context.Context, target string) (Conn, error) {
		created++
		return &fakeConn{name: target}, nil
	}
	p := NewConnPool(factory, 4, nil, nil)

	conn, err := p.Get(context.Background(), "billing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if created != 1 {
		t.Fatalf("factory called %d times; want 1", created)
	}

	// a released connection is reused instead of creating a new one
	p.Release("billing", conn)
	again, err := p.Get(context.Background(), "billing")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if again != conn {
		t.Error("expected the released connection to be reused")
	}
	if created != 1 {
		t.Errorf("factory called %d times; want 1", created)
	}

	// distinct targets do not share idle lists
	if _, err := p.Get(context.Background(), "ledger"); err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if created != 2 {
		t.Errorf("factory called %d times; want 2", created)
	}
}

func TestConnPoolPrefersWarmConnections(t *testing.T) {
	p := NewConnPool(nil, 4, nil, nil)
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}
	p.Release("t", first)
	p.Release("t", second)

	conn, err := p.Get(context.Background(), "t")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if conn != second {
		t.Error("expected the most recently released connection first")
	}
}

func TestConnPoolReleaseOverflowCloses(t *testing.T) {
	p := NewConnPool(nil, 2, nil, nil)
	conns := []*fakeConn{{}, {}, {}}
	for _, c := range conns {
		p.Release("t", c)
	}

	if conns[0].isClosed() || conns[1].isClosed() {
		t.Error("pooled connections must not be closed")
	}
	if !conns[2].isClosed() {
		t.Error("the connection released beyond maxIdle must be closed, not dropped")
	}
}

func TestConnPoolClear(t *testing.T) {
	p := NewConnPool(nil, 4, nil, nil)
	conns := []*fakeConn{{}, {}, {}}
	p.Release("a", conns[0])
	p.Release("a", conns[1])
	p.Release("b", conns[2])

	p.Clear()
	for i, c := range conns {
		if !c.isClosed() {
			t.Errorf("conn %d not closed by Clear", i)
		}
	}

	// pool is empty and usable afterward
	if _, err := p.Get(context.Background(), "a"); !errors.Is(err, ErrNoConnFactory) {
		t.Errorf("Get after Clear with no factory = %v; want ErrNoConnFactory", err)
	}
}

func TestConnPoolFactoryError(t *testing.T) {
	dialErr := errors.New("dial failed")
	p := NewConnPool(func(context.Context, string) (Conn, error) {
		return nil, dialErr
	}, 4, nil, nil)

	if _, err := p.Get(context.Background(), "t"); !errors.Is(err, dialErr) {
		t.Errorf("Get = %v; want factory error", err)
	}
}
