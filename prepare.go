package lookout

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Preparer runs before a job is queued, typically to refresh credentials
// the job needs.
type Preparer interface {
	Prepare(ctx context.Context) error
}

type nopPreparer struct{}

func (nopPreparer) Prepare(context.Context) error { return nil }

const preparedKey = "prepared"

// ScriptPreparer runs a bash command and remembers a success for ttl.
// Concurrent callers share one run.
type ScriptPreparer struct {
	run     string
	ttl     time.Duration
	timeout time.Duration
	cache   *gocache.Cache
	mu      sync.Mutex
	logger  *slog.Logger
}

// NewPreparer returns a Preparer for cfg. An empty run yields a no-op.
func NewPreparer(cfg Prepare, logger *slog.Logger) Preparer {
	if strings.TrimSpace(cfg.Run) == "" {
		return nopPreparer{}
	}

	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &ScriptPreparer{
		run:     cfg.Run,
		ttl:     cfg.TTL.Duration,
		timeout: cfg.Timeout.Duration,
		cache:   gocache.New(cfg.TTL.Duration, gocache.NoExpiration),
		logger:  logger,
	}
}

func (p *ScriptPreparer) Prepare(ctx context.Context) error {
	if _, ok := p.cache.Get(preparedKey); ok {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.cache.Get(preparedKey); ok {
		return nil
	}

	l := p.logger.With("Fn", "ScriptPreparer.Prepare")
	l.Debug("running prepare script")

	// callers queue up on p.mu, so a hung script must not hold it forever.
	if p.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	output := &bytes.Buffer{}

	cmd := exec.CommandContext(ctx, "bash", "-c", p.run)
	cmd.Stdout = output
	cmd.Stderr = output
	cmd.WaitDelay = waitDelay

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("prepare script timed out after %s", p.timeout)
		}

		msg := strings.TrimSpace(output.String())
		if msg == "" {
			return fmt.Errorf("prepare script failed: %w", err)
		}

		return fmt.Errorf("prepare script failed: %w: %s", err, msg)
	}

	p.cache.Set(preparedKey, true, p.ttl)

	return nil
}

// Invalidate forces the next Prepare to run the script.
func (p *ScriptPreparer) Invalidate() {
	p.cache.Delete(preparedKey)
}
