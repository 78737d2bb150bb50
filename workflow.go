package lookout

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/aalbacetef/lookout/scheduler"
)

// Workflow analyzes a build, reporting progress and results to emitter.
type Workflow interface {
	Name() string
	Analyze(ctx context.Context, build string, emitter scheduler.Emitter) error
}

// Describer produces the description of a CI job.
type Describer interface {
	Describe(ctx context.Context, name string, emitter scheduler.Emitter) error
}

type ScriptWorkflow struct {
	runner scriptRunner
}

func NewScriptWorkflow(script Script, logger *slog.Logger) *ScriptWorkflow {
	return &ScriptWorkflow{runner: newScriptRunner(script, logger)}
}

func (w *ScriptWorkflow) Name() string {
	return w.runner.script.Name
}

// Analyze runs the workflow script with LOOKOUT_BUILD and LOOKOUT_WORKFLOW
// set.
func (w *ScriptWorkflow) Analyze(ctx context.Context, build string, emitter scheduler.Emitter) error {
	env := []string{
		fmt.Sprintf("LOOKOUT_BUILD=%s", build),
		fmt.Sprintf("LOOKOUT_WORKFLOW=%s", w.Name()),
	}

	return w.runner.run(ctx, env, emitter)
}

type ScriptDescriber struct {
	runner scriptRunner
}

func NewScriptDescriber(script Script, logger *slog.Logger) *ScriptDescriber {
	return &ScriptDescriber{runner: newScriptRunner(script, logger)}
}

// Describe runs the describe script with LOOKOUT_JOB set.
func (d *ScriptDescriber) Describe(ctx context.Context, name string, emitter scheduler.Emitter) error {
	return d.runner.run(ctx, []string{"LOOKOUT_JOB=" + name}, emitter)
}

func newScriptRunner(script Script, logger *slog.Logger) scriptRunner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return scriptRunner{
		script:        script,
		logger:        logger,
		flushInterval: flushInterval,
	}
}
