package optimizer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/pipeshield/internal/pipeline"
)

func echoExecutor(delay time.Duration) BatchExecutor {
	return func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
		if delay > 0 {
			time.Sleep(delay)
		}
		return &pipeline.Response{Status: 200, Body: []byte(req.Path)}, nil
	}
}

func TestBatchFlushOnSize(t *testing.T) {
	var flushed atomic.Int32
	exec := func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
		flushed.Add(1)
		return &pipeline.Response{Status: 200, Body: []byte(req.Path)}, nil
	}

	// Generous timeout: only the size trigger can explain a fast flush.
	b := NewBatchAccumulator(3, 10*time.Second, exec, nil)
	b.Start(context.Background())
	defer b.Stop()

	var wg sync.WaitGroup
	results := make([]*pipeline.Response, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := b.Submit(context.Background(), &pipeline.Request{Path: string(rune('a' + i))})
			assert.NoError(t, err)
			results[i] = resp
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("size-triggered flush did not happen")
	}

	assert.Equal(t, int32(3), flushed.Load())
	for i, resp := range results {
		require.NotNil(t, resp)
		assert.Equal(t, string(rune('a'+i)), string(resp.Body))
	}
}

func TestBatchFlushOnTimeout(t *testing.T) {
	b := NewBatchAccumulator(100, 50*time.Millisecond, echoExecutor(0), nil)
	b.Start(context.Background())
	defer b.Stop()

	start := time.Now()
	resp, err := b.Submit(context.Background(), &pipeline.Request{Path: "/solo"})

	require.NoError(t, err)
	assert.Equal(t, []byte("/solo"), resp.Body)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestBatchFailureIsolation(t *testing.T) {
	exec := func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
		if req.Path == "/bad" {
			return nil, errors.New("bad item")
		}
		return &pipeline.Response{Status: 200}, nil
	}

	b := NewBatchAccumulator(2, time.Second, exec, nil)
	b.Start(context.Background())
	defer b.Stop()

	var wg sync.WaitGroup
	var goodResp *pipeline.Response
	var goodErr, badErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		goodResp, goodErr = b.Submit(context.Background(), &pipeline.Request{Path: "/good"})
	}()
	go func() {
		defer wg.Done()
		_, badErr = b.Submit(context.Background(), &pipeline.Request{Path: "/bad"})
	}()
	wg.Wait()

	require.NoError(t, goodErr)
	assert.Equal(t, 200, goodResp.Status)
	assert.Error(t, badErr)
}

func TestBatchStopFlushesPending(t *testing.T) {
	b := NewBatchAccumulator(100, 10*time.Second, echoExecutor(0), nil)
	b.Start(context.Background())

	resultCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(context.Background(), &pipeline.Request{Path: "/pending"})
		resultCh <- err
	}()

	require.Eventually(t, func() bool {
		return b.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	b.Stop()

	select {
	case err := <-resultCh:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pending item was not resolved on stop")
	}

	_, err := b.Submit(context.Background(), &pipeline.Request{Path: "/late"})
	assert.ErrorIs(t, err, ErrBatchClosed)
}

func TestBatchSubmitCanceled(t *testing.T) {
	b := NewBatchAccumulator(100, 10*time.Second, echoExecutor(0), nil)
	b.Start(context.Background())
	defer b.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Submit(ctx, &pipeline.Request{Path: "/canceled"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBatchSubmitFuncPerItemExecutor(t *testing.T) {
	b := NewBatchAccumulator(2, 10*time.Second, echoExecutor(0), nil)
	b.Start(context.Background())
	defer b.Stop()

	exec := func(suffix string) BatchExecutor {
		return func(ctx context.Context, req *pipeline.Request) (*pipeline.Response, error) {
			return &pipeline.Response{Status: 200, Body: []byte(req.Path + suffix)}, nil
		}
	}

	var wg sync.WaitGroup
	results := make([]*pipeline.Response, 2)
	for i, suffix := range []string{"-one", "-two"} {
		wg.Add(1)
		go func(i int, suffix string) {
			defer wg.Done()
			resp, err := b.SubmitFunc(context.Background(), &pipeline.Request{Path: "/item"}, exec(suffix))
			assert.NoError(t, err)
			results[i] = resp
		}(i, suffix)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	require.NotNil(t, results[1])
	assert.Equal(t, "/item-one", string(results[0].Body))
	assert.Equal(t, "/item-two", string(results[1].Body))
}
