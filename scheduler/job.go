package scheduler

import (
	"context"
	"errors"
)

type JobState string

const (
	Absent  JobState = "absent"
	Pending JobState = "pending"
	Running JobState = "running"
)

// Job is a unit of work executed at most once per key at any time.
//
// Prepare runs on the submitting goroutine before the job is queued, so it
// never occupies a worker. Run occupies one worker until it returns and must
// honor ctx: it is cancelled when the pool stops.
type Job interface {
	Key() string
	Prepare(ctx context.Context) error
	Run(ctx context.Context, emitter Emitter) error
}

// Completer is implemented by jobs that persist their result. Complete is
// called with the full history once the terminal event has been appended and
// before the key is released.
type Completer interface {
	Complete(ctx context.Context, history []Event) error
}

type (
	JobFn     func(ctx context.Context, emitter Emitter) error
	PrepareFn func(ctx context.Context) error
)

var ErrEmptyKey = errors.New("job key must not be empty")

// NewJob wraps fn as a Job with a no-op Prepare.
func NewJob(key string, fn JobFn) (*FuncJob, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	return &FuncJob{key: key, fn: fn}, nil
}

type FuncJob struct {
	key     string
	fn      JobFn
	prepare PrepareFn
}

// WithPrepare sets the job's pre-flight step.
func (job *FuncJob) WithPrepare(fn PrepareFn) *FuncJob {
	job.prepare = fn
	return job
}

func (job *FuncJob) Key() string { return job.key }

func (job *FuncJob) Prepare(ctx context.Context) error {
	if job.prepare == nil {
		return nil
	}

	return job.prepare(ctx)
}

func (job *FuncJob) Run(ctx context.Context, emitter Emitter) error {
	return job.fn(ctx, emitter)
}
