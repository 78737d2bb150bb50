package lookout

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aalbacetef/lookout/scheduler"
	"github.com/aalbacetef/lookout/store"
)

// ReportKey is the in-flight key of the analysis of build by workflow.
func ReportKey(workflow, build string) string {
	return workflow + "-" + build
}

// DescriptionKey is the in-flight key of the description of a CI job.
func DescriptionKey(name string) string {
	return "job/" + name
}

// reportJob runs a workflow on a build and stores the report.
type reportJob struct {
	workflow Workflow
	build    string
	preparer Preparer
	results  store.Store
	tracer   trace.Tracer
}

func (job *reportJob) Key() string {
	return ReportKey(job.workflow.Name(), job.build)
}

func (job *reportJob) Prepare(ctx context.Context) error {
	return job.preparer.Prepare(ctx)
}

func (job *reportJob) Run(ctx context.Context, emitter scheduler.Emitter) error {
	ctx, span := job.tracer.Start(ctx, "lookout.analyze", trace.WithAttributes(
		attribute.String("lookout.workflow", job.workflow.Name()),
		attribute.String("lookout.build", job.build),
	))
	defer span.End()

	emitter.Emit(scheduler.NewEvent(scheduler.KindWorkflow, scheduler.Text(job.workflow.Name())))
	emitter.Emit(scheduler.NewEvent(scheduler.KindRunID, scheduler.Text(uuid.NewString())))

	err := job.workflow.Analyze(ctx, job.build, emitter)

	return endSpan(span, err)
}

// Complete stores the history without its progress events.
func (job *reportJob) Complete(ctx context.Context, history []scheduler.Event) error {
	blob, err := scheduler.Encode(scheduler.Filter(history, scheduler.KindProgress))
	if err != nil {
		return fmt.Errorf("could not encode report: %w", err)
	}

	return job.results.Set(ctx, store.Reports, blob, job.workflow.Name(), job.build)
}

// describeJob describes a CI job and stores the description.
type describeJob struct {
	name      string
	describer Describer
	preparer  Preparer
	results   store.Store
	tracer    trace.Tracer
}

func (job *describeJob) Key() string {
	return DescriptionKey(job.name)
}

func (job *describeJob) Prepare(ctx context.Context) error {
	return job.preparer.Prepare(ctx)
}

func (job *describeJob) Run(ctx context.Context, emitter scheduler.Emitter) error {
	ctx, span := job.tracer.Start(ctx, "lookout.describe", trace.WithAttributes(
		attribute.String("lookout.job", job.name),
	))
	defer span.End()

	emitter.Emit(scheduler.NewEvent(scheduler.KindRunID, scheduler.Text(uuid.NewString())))

	err := job.describer.Describe(ctx, job.name, emitter)

	return endSpan(span, err)
}

// Complete stores the history without its progress and source map events.
func (job *describeJob) Complete(ctx context.Context, history []scheduler.Event) error {
	blob, err := scheduler.Encode(scheduler.Filter(history, scheduler.KindProgress, scheduler.KindSourceMap))
	if err != nil {
		return fmt.Errorf("could not encode description: %w", err)
	}

	return job.results.Set(ctx, store.Descriptions, blob, job.name)
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return err
	}

	span.SetStatus(codes.Ok, "")

	return nil
}
