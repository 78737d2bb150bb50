package lookout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/aalbacetef/lookout/scheduler"
	"github.com/aalbacetef/lookout/store"
)

var ErrDescribeDisabled = errors.New("job descriptions are not configured")

type UnknownWorkflowError struct {
	Name string
}

func (e UnknownWorkflowError) Error() string {
	return fmt.Sprintf("unknown workflow: '%s'", e.Name)
}

// Result is either a stored history or a marker that the job is in flight.
type Result struct {
	Pending bool
	History []scheduler.Event
}

func (r Result) MarshalJSON() ([]byte, error) {
	if r.Pending {
		return []byte(`{"status":"PENDING"}`), nil
	}

	return scheduler.Encode(r.History)
}

// Service resolves analysis requests against the result store and the
// pool.
type Service struct {
	pool      *scheduler.Pool
	results   store.Store
	workflows map[string]Workflow
	describer Describer
	preparer  Preparer
	tracer    trace.Tracer
	logger    *slog.Logger
}

type ServiceOption func(*Service)

func WithDescriber(d Describer) ServiceOption {
	return func(svc *Service) {
		svc.describer = d
	}
}

func WithPreparer(p Preparer) ServiceOption {
	return func(svc *Service) {
		svc.preparer = p
	}
}

func WithTracer(tracer trace.Tracer) ServiceOption {
	return func(svc *Service) {
		svc.tracer = tracer
	}
}

func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(svc *Service) {
		svc.logger = logger
	}
}

func NewService(pool *scheduler.Pool, results store.Store, workflows []Workflow, opts ...ServiceOption) (*Service, error) {
	svc := &Service{
		pool:      pool,
		results:   results,
		workflows: make(map[string]Workflow, len(workflows)),
		preparer:  nopPreparer{},
		tracer:    noop.NewTracerProvider().Tracer("lookout"),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, w := range workflows {
		if _, exists := svc.workflows[w.Name()]; exists {
			return nil, DuplicateWorkflowError{w.Name()}
		}

		svc.workflows[w.Name()] = w
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Workflows returns the sorted names of the known workflows.
func (svc *Service) Workflows() []string {
	names := make([]string, 0, len(svc.workflows))
	for name := range svc.workflows {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Report returns the stored analysis of build by workflow, or submits it and
// returns a pending Result.
func (svc *Service) Report(ctx context.Context, workflow, build string) (Result, error) {
	w, ok := svc.workflows[workflow]
	if !ok {
		return Result{}, UnknownWorkflowError{workflow}
	}

	job := &reportJob{
		workflow: w,
		build:    build,
		preparer: svc.preparer,
		results:  svc.results,
		tracer:   svc.tracer,
	}

	return svc.ensure(ctx, job, store.Reports, workflow, build)
}

func (svc *Service) WatchReport(workflow, build string) *scheduler.Channel {
	return svc.pool.Attach(ReportKey(workflow, build))
}

// Description returns the stored description of the CI job name, or submits
// it and returns a pending Result.
func (svc *Service) Description(ctx context.Context, name string) (Result, error) {
	if svc.describer == nil {
		return Result{}, ErrDescribeDisabled
	}

	job := &describeJob{
		name:      name,
		describer: svc.describer,
		preparer:  svc.preparer,
		results:   svc.results,
		tracer:    svc.tracer,
	}

	return svc.ensure(ctx, job, store.Descriptions, name)
}

func (svc *Service) WatchDescription(name string) *scheduler.Channel {
	return svc.pool.Attach(DescriptionKey(name))
}

func (svc *Service) InFlight() int {
	return svc.pool.InFlight()
}

func (svc *Service) Workers() int {
	return svc.pool.Size()
}

// ensure serves a stored result when there is one, otherwise makes sure the
// job is in flight. Submission is detached from ctx so that a client going
// away does not abort the job's preparation.
func (svc *Service) ensure(ctx context.Context, job scheduler.Job, kind store.Kind, scope ...string) (Result, error) {
	l := svc.logger.With("Fn", "Service.ensure", "key", job.Key())

	blob, err := svc.results.Get(ctx, kind, scope...)

	switch {
	case err == nil:
		history, decodeErr := scheduler.Decode(blob)
		if decodeErr != nil {
			return Result{}, fmt.Errorf("could not decode stored %s: %w", kind, decodeErr)
		}

		l.Debug("serving stored result")

		return Result{History: history}, nil

	case !errors.Is(err, store.ErrNotFound):
		return Result{}, err
	}

	if svc.pool.State(job.Key()) != scheduler.Absent {
		return Result{Pending: true}, nil
	}

	submitted, err := svc.pool.Submit(context.WithoutCancel(ctx), job)
	if err != nil {
		return Result{}, err
	}

	l.Debug("job requested", "submitted", submitted)

	return Result{Pending: true}, nil
}
