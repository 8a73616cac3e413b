package taskgraph

import (
	"context"
	"sync"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/vaultsync-io/vaultsync/logger"
)

const defaultQueueHint = 16

// job is an entry in a SerialQueue.
type job interface {
	execute()
	abort(err error)
}

// SerialQueue runs submitted jobs one at a time in submission order.
type SerialQueue struct {
	name   string
	queue  *queue.Queue
	logger logger.Logger
	wg     sync.WaitGroup
}

// NewSerialQueue creates a SerialQueue and starts its worker.
func NewSerialQueue(name string, log logger.Logger) *SerialQueue {
	if log == nil {
		log = logger.NewDiscardLogger()
	}
	s := &SerialQueue{
		name:   name,
		queue:  queue.New(defaultQueueHint),
		logger: log,
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *SerialQueue) loop() {
	defer s.wg.Done()
	for {
		items, err := s.queue.Get(1)
		if err != nil {
			// Disposed.
			return
		}
		for _, item := range items {
			item.(job).execute()
		}
	}
}

// Close stops the worker after the running job finishes. Jobs still queued
// complete with ErrQueueClosed.
func (s *SerialQueue) Close() {
	if s.queue.Disposed() {
		return
	}
	pending := s.queue.Dispose()
	for _, item := range pending {
		item.(job).abort(ErrQueueClosed)
	}
	s.wg.Wait()
	s.logger.Debugf("Queue %s closed, aborted %d pending jobs", s.name, len(pending))
}

// Len returns the number of queued jobs, not counting the running one.
func (s *SerialQueue) Len() int64 {
	return s.queue.Len()
}

// Future is the pending result of a job submitted to a SerialQueue.
type Future[T any] struct {
	ctx    context.Context
	fn     func(ctx context.Context) (T, error)
	done   chan struct{}
	once   sync.Once
	mu     sync.Mutex
	cancel bool
	value  T
	err    error
}

func (f *Future[T]) finish(v T, err error) {
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
	})
}

func (f *Future[T]) execute() {
	f.mu.Lock()
	skip := f.cancel
	f.mu.Unlock()
	var zero T
	if skip {
		f.finish(zero, cancelled(nil))
		return
	}
	if err := f.ctx.Err(); err != nil {
		f.finish(zero, cancelled(err))
		return
	}
	v, err := f.fn(f.ctx)
	f.finish(v, err)
}

func (f *Future[T]) abort(err error) {
	var zero T
	f.finish(zero, err)
}

// Cancel prevents the job from running if it has not started yet. A job that
// is already running is not interrupted.
func (f *Future[T]) Cancel() {
	f.mu.Lock()
	f.cancel = true
	f.mu.Unlock()
}

// Done is closed once the job has a result.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Await blocks until the job completes or ctx is done. Giving up on the wait
// does not stop a job that is already running.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, cancelled(ctx.Err())
	}
}

// Enqueue submits fn to q. fn receives ctx, and is skipped if ctx is done by
// the time the job reaches the front of the queue.
func Enqueue[T any](ctx context.Context, q *SerialQueue, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{ctx: ctx, fn: fn, done: make(chan struct{})}
	if err := q.queue.Put(f); err != nil {
		f.abort(ErrQueueClosed)
	}
	return f
}

// Do submits fn to q and waits for its result.
func Do[T any](ctx context.Context, q *SerialQueue, fn func(ctx context.Context) (T, error)) (T, error) {
	return Enqueue(ctx, q, fn).Await(ctx)
}
