package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

var (
	// ErrClosed is returned by Submit after Shutdown has begun.
	ErrClosed = errors.New("serial: queue closed")
	// ErrQueueFull is returned when a key already has MaxPending jobs waiting.
	ErrQueueFull = errors.New("serial: queue full")
)

// Job is one unit of work. ctx is cancelled when Shutdown gives up waiting.
type Job func(ctx context.Context)

// Queue runs jobs for the same key one at a time in submission order while
// jobs for different keys run concurrently. A goroutine exists only while a
// key has pending work.
type Queue struct {
	mu         sync.Mutex
	pending    map[string][]Job
	closed     bool
	maxPending int
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	logger     *logging.Logger
}

// NewQueue creates a queue. maxPending <= 0 means unbounded per key.
func NewQueue(maxPending int, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		pending:    make(map[string][]Job),
		maxPending: maxPending,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
	}
}

// Submit enqueues job under key and returns without waiting for it to run.
func (q *Queue) Submit(key string, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	jobs, active := q.pending[key]
	if q.maxPending > 0 && len(jobs) >= q.maxPending {
		return fmt.Errorf("%w: key %s", ErrQueueFull, key)
	}
	q.pending[key] = append(jobs, job)
	if !active {
		q.wg.Add(1)
		go q.drain(key)
	}
	return nil
}

// Active reports the number of keys with queued or running work.
func (q *Queue) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) drain(key string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[key]
		if len(jobs) == 0 {
			delete(q.pending, key)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		jobs[0] = nil
		q.pending[key] = jobs[1:]
		q.mu.Unlock()

		q.run(key, job)
	}
}

func (q *Queue) run(key string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("serial job panicked", "key", key, "panic", fmt.Sprint(r))
		}
	}()
	job(q.ctx)
}

// Shutdown stops accepting jobs and waits for queued jobs to finish. When
// ctx expires first, running jobs see their context cancelled.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
}
