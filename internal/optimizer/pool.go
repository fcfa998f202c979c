package optimizer

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/dkrylov/pipeshield/internal/config"
	"github.com/dkrylov/pipeshield/internal/observability"
)

// ErrPoolClosed is returned by Acquire after the pool has been closed.
var ErrPoolClosed = errors.New("pool is closed")

// ResourceFactory creates a new poolable resource. Resources implementing
// io.Closer are closed when recycled or when the pool shuts down.
type ResourceFactory func(ctx context.Context) (interface{}, error)

// Resource is a pooled resource together with its creation time.
type Resource struct {
	Value     interface{}
	createdAt time.Time
}

// Age returns how long ago the resource was created.
func (r *Resource) Age() time.Duration {
	return time.Since(r.createdAt)
}

// Pool is a bounded reusable-resource pool with recycle-by-age: resources
// older than maxAge are discarded instead of being handed out again.
type Pool struct {
	factory ResourceFactory
	maxAge  time.Duration
	logger  observability.Logger

	// slots bounds the total number of live resources.
	slots *semaphore.Weighted
	idle  chan *Resource

	mu     sync.Mutex
	closed bool
}

// NewPool creates a resource pool. cfg must already be validated.
func NewPool(cfg config.PoolConfig, factory ResourceFactory, logger observability.Logger) *Pool {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Pool{
		factory: factory,
		maxAge:  cfg.MaxAge.Duration(),
		logger:  logger,
		slots:   semaphore.NewWeighted(int64(cfg.MaxSize)),
		idle:    make(chan *Resource, cfg.MaxSize),
	}
}

// Acquire returns an idle resource or creates one, blocking when the pool is
// at capacity until a slot frees or ctx is done. Idle resources past maxAge
// are recycled transparently.
func (p *Pool) Acquire(ctx context.Context) (*Resource, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	for {
		select {
		case res := <-p.idle:
			if p.expired(res) {
				p.discard(res)
				continue
			}
			recordPoolAcquire("idle")
			return res, nil
		default:
			value, err := p.factory(ctx)
			if err != nil {
				p.slots.Release(1)
				return nil, err
			}
			recordPoolAcquire("created")
			return &Resource{Value: value, createdAt: time.Now()}, nil
		}
	}
}

// Release returns a resource to the pool. Aged resources are discarded so
// the next Acquire builds a fresh one.
func (p *Pool) Release(res *Resource) {
	if res == nil {
		return
	}
	defer p.slots.Release(1)

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed || p.expired(res) {
		p.discard(res)
		return
	}

	select {
	case p.idle <- res:
	default:
		p.discard(res)
	}
}

// Close shuts the pool down and closes all idle resources. Resources still
// checked out are closed on Release.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	for {
		select {
		case res := <-p.idle:
			p.discard(res)
		default:
			return
		}
	}
}

// IdleCount returns the number of idle resources.
func (p *Pool) IdleCount() int {
	return len(p.idle)
}

func (p *Pool) expired(res *Resource) bool {
	return p.maxAge > 0 && res.Age() > p.maxAge
}

func (p *Pool) discard(res *Resource) {
	recordPoolRecycle()
	if closer, ok := res.Value.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			p.logger.Warn("closing pooled resource", observability.Error(err))
		}
	}
}
