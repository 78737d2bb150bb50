package lookout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/aalbacetef/lookout/scheduler"
)

const (
	flushInterval = 2 * time.Second

	// How long to wait for the output pipes once the script was killed.
	waitDelay = time.Second
)

// ScriptError is returned when a script exits with a non-zero code.
type ScriptError struct {
	Name   string
	Code   int
	Stderr string
}

func (e ScriptError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("%s exited with code %d", e.Name, e.Code)
	}

	return fmt.Sprintf("%s exited with code %d: %s", e.Name, e.Code, e.Stderr)
}

// scriptRunner executes a Script and turns its stdout into events.
type scriptRunner struct {
	script        Script
	logger        *slog.Logger
	flushInterval time.Duration
}

// run writes the script to a temp file and runs it with bash. Stdout lines
// holding a JSON ["kind", payload] pair are emitted as that event, any other
// non-blank line as progress. Stderr is logged.
func (r scriptRunner) run(ctx context.Context, env []string, emitter scheduler.Emitter) error {
	l := r.logger.With(
		"Fn", "scriptRunner.run",
		"script", r.script.Name,
	)

	l.Info("starting script")

	file, err := os.CreateTemp("", "lookout-script-*")
	if err != nil {
		return fmt.Errorf("could not create temp file: %w", err)
	}

	name := file.Name()

	defer func() {
		l.Debug("cleaning up temp file", "name", name)

		if rmErr := os.Remove(name); rmErr != nil {
			l.Error("could not clean up temp file", "error", rmErr, "filepath", name)
		}
	}()

	script := r.script.Run
	scriptLen := len(script)

	n, err := file.WriteString(script)
	if err != nil {
		file.Close()
		return fmt.Errorf("could not write script: %w", err)
	}

	if err := file.Close(); err != nil {
		return fmt.Errorf("could not write script: %w", err)
	}

	if n != scriptLen {
		return fmt.Errorf("wrote insufficient number of bytes: %d, want %d", n, scriptLen)
	}

	if r.script.Timeout.Duration > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, r.script.Timeout.Duration)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "bash", name)
	cmd.Env = append(os.Environ(), env...)
	cmd.WaitDelay = waitDelay

	stderr := newSafeBuffer()
	stdout := newSafeBuffer()

	cmd.Stderr = stderr
	cmd.Stdout = stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("could not start script: %w", err)
	}

	out := &scriptOutput{emitter: emitter, logger: l}

	interval := r.flushInterval
	if interval <= 0 {
		interval = flushInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				out.flush(stdout, stderr, false)
			}
		}
	}()

	waitErr := cmd.Wait()

	close(done)
	wg.Wait()

	out.flush(stdout, stderr, true)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", r.script.Name, ctxErr)
	}

	if waitErr != nil {
		code := 1

		exitErr := &exec.ExitError{}
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}

		l.Info("execution finished", "code", code)

		return ScriptError{Name: r.script.Name, Code: code, Stderr: out.lastStderr}
	}

	l.Info("execution finished", "code", 0)

	return nil
}

type scriptOutput struct {
	emitter    scheduler.Emitter
	logger     *slog.Logger
	lastStderr string
}

func (o *scriptOutput) flush(stdout, stderr *safeBuffer, all bool) {
	for _, line := range stdout.TakeLines(all) {
		if ev, ok := parseLine(line); ok {
			o.emitter.Emit(ev)
		}
	}

	for _, line := range stderr.TakeLines(all) {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		o.logger.Error(line)
		o.lastStderr = line
	}
}

// parseLine turns one line of script output into an event.
func parseLine(line string) (scheduler.Event, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return scheduler.Event{}, false
	}

	if strings.HasPrefix(line, "[") {
		ev := scheduler.Event{}
		if err := json.Unmarshal([]byte(line), &ev); err == nil {
			return ev, true
		}
	}

	return scheduler.Progress(line), true
}
