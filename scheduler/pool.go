package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/aalbacetef/lookout/taskqueue"
)

var (
	ErrPoolStopped        = errors.New("pool stopped")
	ErrInvalidWorkerCount = errors.New("worker count must be at least 1")
)

const (
	completedStatus = "completed"
)

type entry struct {
	job         Job
	broadcaster *Broadcaster
	state       JobState
}

// Pool runs jobs on a fixed number of workers fed by a single FIFO queue.
// Jobs are tracked by key while in flight: submitting a key that is already
// pending or running is a no-op.
type Pool struct {
	mu       sync.Mutex
	inFlight map[string]*entry
	stopped  bool

	queue  *taskqueue.Queue[*entry]
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	size   int
}

type Option func(*Pool)

func WithLogger(logger *slog.Logger) Option {
	return func(pool *Pool) {
		pool.logger = logger
	}
}

// NewPool starts workers and returns the running pool. Call Stop to release
// them.
func NewPool(workers int, opts ...Option) (*Pool, error) {
	if workers < 1 {
		return nil, ErrInvalidWorkerCount
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		inFlight: make(map[string]*entry),
		queue:    taskqueue.New[*entry](),
		cancel:   cancel,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		size:     workers,
	}

	for _, opt := range opts {
		opt(pool)
	}

	pool.wg.Add(workers)

	for k := range workers {
		go pool.runWorker(ctx, k)
	}

	return pool, nil
}

// Submit registers job and queues it for execution. It returns false when a
// job with the same key is already in flight.
//
// The job's Prepare step runs before it is queued. A failing Prepare does
// not surface as an error: the job's history is finished with an error event
// that any attached channel receives, the history is handed to the job's
// Completer, if any, and the key is released.
func (pool *Pool) Submit(ctx context.Context, job Job) (bool, error) {
	key := job.Key()
	if key == "" {
		return false, ErrEmptyKey
	}

	pool.mu.Lock()

	if pool.stopped {
		pool.mu.Unlock()
		return false, ErrPoolStopped
	}

	if _, exists := pool.inFlight[key]; exists {
		pool.mu.Unlock()
		return false, nil
	}

	e := &entry{
		job:         job,
		broadcaster: NewBroadcaster(),
		state:       Pending,
	}
	pool.inFlight[key] = e

	pool.mu.Unlock()

	l := pool.logger.With("Fn", "Pool.Submit", "key", key)

	if err := job.Prepare(ctx); err != nil {
		l.Debug("prepare failed", "error", err)

		e.broadcaster.Finish(Error(fmt.Sprintf("Preparation failed: %v", err)))
		pool.complete(ctx, e)
		pool.release(key, e)

		return true, nil
	}

	if err := pool.queue.Push(e); err != nil {
		pool.release(key, e)
		return true, ErrPoolStopped
	}

	l.Debug("job queued")

	return true, nil
}

// Attach returns a channel on the in-flight job for key, or nil when no such
// job exists. A nil channel means the job already finished (its result, if
// any, is in the result store) or never existed.
func (pool *Pool) Attach(key string) *Channel {
	pool.mu.Lock()
	e, ok := pool.inFlight[key]
	pool.mu.Unlock()

	if !ok {
		return nil
	}

	return e.broadcaster.Attach()
}

func (pool *Pool) State(key string) JobState {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	e, ok := pool.inFlight[key]
	if !ok {
		return Absent
	}

	return e.state
}

// InFlight returns the number of pending or running jobs.
func (pool *Pool) InFlight() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	return len(pool.inFlight)
}

func (pool *Pool) Size() int {
	return pool.size
}

// Stop cancels every worker and waits for them to return. Queued jobs are
// abandoned, as are running jobs that have not yet finished their history:
// no terminal event is appended and nothing is persisted.
func (pool *Pool) Stop() {
	pool.mu.Lock()
	if pool.stopped {
		pool.mu.Unlock()
		return
	}

	pool.stopped = true
	pool.mu.Unlock()

	pool.cancel()
	pool.queue.Close()
	pool.wg.Wait()
}

func (pool *Pool) runWorker(ctx context.Context, id int) {
	defer pool.wg.Done()

	l := pool.logger.With("Fn", "Pool.runWorker", "worker", id)
	l.Debug("worker started")

	for {
		e, err := pool.queue.Pop(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}

		if err != nil {
			l.Debug("worker stopped", "reason", err)
			return
		}

		pool.execute(ctx, e)
	}
}

func (pool *Pool) execute(ctx context.Context, e *entry) {
	key := e.job.Key()
	l := pool.logger.With("Fn", "Pool.execute", "key", key)

	pool.setState(e, Running)

	err := runJob(ctx, e)

	if ctx.Err() != nil && !e.broadcaster.Finished() {
		l.Debug("pool stopping, abandoning job")
		return
	}

	if err != nil {
		e.broadcaster.Finish(Error(fmt.Sprintf("Analysis failed: %v", err)))
	} else {
		e.broadcaster.Finish(Status(completedStatus))
	}

	pool.complete(ctx, e)
	pool.release(key, e)

	l.Debug("job done")
}

// complete hands a finished history to the job's Completer. A finished job
// is persisted even if ctx is cancelled by now.
func (pool *Pool) complete(ctx context.Context, e *entry) {
	completer, ok := e.job.(Completer)
	if !ok {
		return
	}

	if err := completer.Complete(context.WithoutCancel(ctx), e.broadcaster.History()); err != nil {
		pool.logger.Error("could not complete job", "Fn", "Pool.complete", "key", e.job.Key(), "error", err)
	}
}

// runJob converts a panicking job into a run failure.
func runJob(ctx context.Context, e *entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()

	return e.job.Run(ctx, e.broadcaster)
}

func (pool *Pool) setState(e *entry, state JobState) {
	pool.mu.Lock()
	e.state = state
	pool.mu.Unlock()
}

// release removes key from the in-flight set if it still belongs to e.
func (pool *Pool) release(key string, e *entry) {
	pool.mu.Lock()
	defer pool.mu.Unlock()

	if pool.inFlight[key] == e {
		delete(pool.inFlight, key)
	}
}
