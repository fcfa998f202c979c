package optimizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dkrylov/pipeshield/internal/observability"
	"github.com/dkrylov/pipeshield/internal/pipeline"
)

// ErrBatchClosed is returned by Submit after the accumulator has stopped.
var ErrBatchClosed = errors.New("batch accumulator is stopped")

// BatchExecutor runs one accumulated request during a flush.
type BatchExecutor func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error)

type batchResult struct {
	resp *pipeline.Response
	err  error
}

type batchItem struct {
	ctx    context.Context
	req    *pipeline.Request
	exec   BatchExecutor
	result chan batchResult
}

// BatchAccumulator groups read-only requests and flushes them together:
// when batchSize items have accumulated, or when batchTimeout has elapsed
// since the last flush, whichever comes first. Flushed requests execute
// concurrently and resolve independently; one failure never fails siblings.
type BatchAccumulator struct {
	exec    BatchExecutor
	size    int
	timeout time.Duration
	logger  observability.Logger

	mu      sync.Mutex
	pending []*batchItem
	stopped bool

	resetCh   chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewBatchAccumulator creates a batch accumulator. Call Start before Submit.
func NewBatchAccumulator(size int, timeout time.Duration, exec BatchExecutor, logger observability.Logger) *BatchAccumulator {
	if size < 1 {
		size = 1
	}
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &BatchAccumulator{
		exec:    exec,
		size:    size,
		timeout: timeout,
		logger:  logger,
		resetCh: make(chan struct{}, 1),
	}
}

// Start launches the timeout flusher.
func (b *BatchAccumulator) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopCh != nil {
		return
	}
	b.stopped = false
	b.stopCh = make(chan struct{})
	b.stoppedCh = make(chan struct{})

	go b.flushLoop(ctx, b.stopCh, b.stoppedCh)
}

// Stop flushes any pending items and awaits the flusher's exit. Submissions
// after Stop fail with ErrBatchClosed.
func (b *BatchAccumulator) Stop() {
	b.mu.Lock()
	if b.stopCh == nil {
		b.stopped = true
		b.mu.Unlock()
		return
	}
	stopCh, stoppedCh := b.stopCh, b.stoppedCh
	b.stopCh = nil
	b.stoppedCh = nil
	b.stopped = true
	b.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// Submit adds a request to the current batch and blocks until its individual
// result resolves or ctx is done. The request executes with the accumulator's
// default executor.
func (b *BatchAccumulator) Submit(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
	return b.SubmitFunc(ctx, req, b.exec)
}

// SubmitFunc is Submit with a per-request executor, for callers whose
// downstream function varies per call.
func (b *BatchAccumulator) SubmitFunc(ctx context.Context, req *pipeline.Request, exec BatchExecutor) (*pipeline.Response, error) {
	item := &batchItem{
		ctx:    ctx,
		req:    req,
		exec:   exec,
		result: make(chan batchResult, 1),
	}

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil, ErrBatchClosed
	}
	b.pending = append(b.pending, item)
	var full []*batchItem
	if len(b.pending) >= b.size {
		full = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	if full != nil {
		// Size reached: flush immediately and restart the timeout.
		select {
		case b.resetCh <- struct{}{}:
		default:
		}
		go b.flush(full, "size")
	}

	select {
	case res := <-item.result:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingCount returns the number of accumulated, unflushed items.
func (b *BatchAccumulator) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BatchAccumulator) flushLoop(ctx context.Context, stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			b.flush(b.takePending(), "timeout")
			timer.Reset(b.timeout)

		case <-b.resetCh:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(b.timeout)

		case <-ctx.Done():
			b.flush(b.takePending(), "shutdown")
			return

		case <-stopCh:
			b.flush(b.takePending(), "shutdown")
			return
		}
	}
}

func (b *BatchAccumulator) takePending() []*batchItem {
	b.mu.Lock()
	defer b.mu.Unlock()

	pending := b.pending
	b.pending = nil
	return pending
}

// flush executes a batch concurrently. Each item resolves on its own; the
// batch as a whole has no failure semantics.
func (b *BatchAccumulator) flush(items []*batchItem, reason string) {
	if len(items) == 0 {
		return
	}

	recordBatchFlush(reason, len(items))
	b.logger.Debug("flushing batch",
		observability.Int("items", len(items)),
		observability.String("reason", reason),
	)

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *batchItem) {
			defer wg.Done()
			exec := item.exec
			if exec == nil {
				exec = b.exec
			}
			resp, err := exec(item.ctx, item.req)
			item.result <- batchResult{resp: resp, err: err}
		}(item)
	}
	wg.Wait()
}
