package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/streamrpc/dispatch/internal"
)

// Conn is a reusable downstream connection handle. *grpc.ClientConn
// satisfies it.
type Conn interface {
	Close() error
}

// ConnFactory lazily creates a new downstream connection for the named
// target.
type ConnFactory func(ctx context.Context, target string) (Conn, error)

// GRPCConnFactory returns a ConnFactory that dials targets as gRPC client
// connections, blocking until each connection reports ready or ctx is done.
func GRPCConnFactory(opts ...grpc.DialOption) ConnFactory {
	return func(ctx context.Context, target string) (Conn, error) {
		return internal.ReadyDial(ctx, target, opts...)
	}
}

type idleConn struct {
	conn  Conn
	since time.Time
}

// ConnPool keeps a bounded list of idle downstream connections per target.
// Checkout transfers ownership to the caller; Release transfers it back, or
// closes the connection when the target's list is already full. Connections
// are never silently dropped.
type ConnPool struct {
	factory ConnFactory
	maxIdle int
	logger  *zap.Logger
	metrics *Metrics

	mu   sync.Mutex
	idle map[string][]idleConn
}

// NewConnPool constructs an empty pool. maxIdle caps the idle list per
// target; logger and metrics may be nil.
func NewConnPool(factory ConnFactory, maxIdle int, logger *zap.Logger, metrics *Metrics) *ConnPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnPool{
		factory: factory,
		maxIdle: maxIdle,
		logger:  logger,
		metrics: metrics,
		idle:    map[string][]idleConn{},
	}
}

// Get returns a connection for target, reusing the most recently released
// idle one so warm connections are preferred. When no idle connection is
// available it creates one through the factory.
func (p *ConnPool) Get(ctx context.Context, target string) (Conn, error) {
	p.mu.Lock()
	if conns := p.idle[target]; len(conns) > 0 {
		ic := conns[len(conns)-1]
		p.idle[target] = conns[:len(conns)-1]
		p.mu.Unlock()
		p.metrics.addIdleConns(-1)
		return ic.conn, nil
	}
	factory := p.factory
	p.mu.Unlock()

	if factory == nil {
		return nil, ErrNoConnFactory
	}
	p.logger.Debug("creating downstream connection", zap.String("target", target))
	return factory(ctx, target)
}

// Release returns conn to target's idle list. If the list already holds
// maxIdle connections, conn is closed instead.
func (p *ConnPool) Release(target string, conn Conn) {
	p.mu.Lock()
	if len(p.idle[target]) < p.maxIdle {
		p.idle[target] = append(p.idle[target], idleConn{conn: conn, since: time.Now()})
		p.mu.Unlock()
		p.metrics.addIdleConns(1)
		return
	}
	p.mu.Unlock()

	p.logger.Debug("idle list full, closing released connection", zap.String("target", target))
	if err := conn.Close(); err != nil {
		p.logger.Warn("closing released connection", zap.String("target", target), zap.Error(err))
	}
}

// Clear closes every idle connection across all targets and empties the
// pool. Used during shutdown.
func (p *ConnPool) Clear() {
	p.mu.Lock()
	idle := p.idle
	p.idle = map[string][]idleConn{}
	p.mu.Unlock()

	for target, conns := range idle {
		for _, ic := range conns {
			p.metrics.addIdleConns(-1)
			if err := ic.conn.Close(); err != nil {
				p.logger.Warn("closing pooled connection",
					zap.String("target", target),
					zap.Duration("idle_for", time.Since(ic.since)),
					zap.Error(err))
			}
		}
	}
}
