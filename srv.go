package lookout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aalbacetef/lookout/scheduler"
	"github.com/aalbacetef/lookout/store"
	"github.com/aalbacetef/lookout/tracing"
)

type Server struct {
	// Should be READ only after initialization.
	cfg Config

	logger  *slog.Logger
	service *Service

	validationTimeout time.Duration
	heartbeat         time.Duration

	cleanup []func()
}

const (
	defaultValidationTimeout = 5 * time.Second
	defaultHeartbeat         = 15 * time.Second
)

// NewServer wires the result store, the pool and the workflows described
// by cfg. Close releases them.
func NewServer(cfg Config) (*Server, error) {
	srv := &Server{
		cfg:               cfg,
		validationTimeout: defaultValidationTimeout,
		heartbeat:         defaultHeartbeat,
	}

	var out io.Writer = os.Stdout

	if dir := cfg.Server.Logging.Dir; dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("could not create logging dir: %w", err)
		}

		fd, err := os.OpenFile(filepath.Join(dir, logFilename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("could not open log file: %w", err)
		}

		srv.cleanup = append(srv.cleanup, func() { fd.Close() })
		out = io.MultiWriter(os.Stdout, fd)
	}

	srv.logger = slog.New(slog.NewJSONHandler(
		out,
		&slog.HandlerOptions{Level: slog.LevelDebug.Level()},
	))

	if err := srv.init(); err != nil {
		srv.Close()
		return nil, err
	}

	return srv, nil
}

func (srv *Server) init() error {
	cfg := srv.cfg

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("could not set up tracing: %w", err)
	}

	srv.cleanup = append(srv.cleanup, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := provider.Shutdown(ctx); err != nil {
			srv.logger.Error("could not shut down tracing", "error", err)
		}
	})

	db, err := store.Open(
		cfg.Store.Path,
		store.WithJobTTL(cfg.Store.JobTTL.Duration),
		store.WithLogger(srv.logger),
	)
	if err != nil {
		return err
	}

	srv.cleanup = append(srv.cleanup, func() {
		if err := db.Close(); err != nil {
			srv.logger.Error("could not close store", "error", err)
		}
	})

	cached := store.NewCached(db, cfg.Store.CacheTTL.Duration)

	janitor, err := store.NewJanitor(cfg.Store.PurgeSchedule, cfg.Store.JobTTL.Duration, db, srv.logger)
	if err != nil {
		return err
	}

	janitor.OnPurge = func(removed int64) {
		if removed > 0 {
			cached.Forget(store.Descriptions)
		}
	}

	janitor.Start()
	srv.cleanup = append(srv.cleanup, janitor.Stop)

	pool, err := scheduler.NewPool(cfg.Pool.Workers, scheduler.WithLogger(srv.logger))
	if err != nil {
		return err
	}

	srv.cleanup = append(srv.cleanup, pool.Stop)

	workflows := make([]Workflow, 0, len(cfg.Workflows))
	for _, script := range cfg.Workflows {
		workflows = append(workflows, NewScriptWorkflow(script, srv.logger))
	}

	opts := []ServiceOption{
		WithPreparer(NewPreparer(cfg.Prepare, srv.logger)),
		WithTracer(provider.Tracer()),
		WithServiceLogger(srv.logger),
	}

	if cfg.Describe.Run != "" {
		opts = append(opts, WithDescriber(NewScriptDescriber(cfg.Describe, srv.logger)))
	}

	svc, err := NewService(pool, cached, workflows, opts...)
	if err != nil {
		return err
	}

	srv.service = svc

	return nil
}

func (srv *Server) Service() *Service {
	return srv.service
}

func (srv *Server) Logger() *slog.Logger {
	return srv.logger
}

// Close runs every cleanup handler once, most recent first, so the pool is
// stopped before the store it writes to is closed.
func (srv *Server) Close() {
	for k := len(srv.cleanup) - 1; k >= 0; k-- {
		srv.cleanup[k]()
	}

	srv.cleanup = nil
}

// Routes returns the HTTP API.
//
//	GET  /health
//	PUT  /get?build=...&workflow=...
//	GET  /watch?build=...&workflow=...
//	PUT  /get_job?name=...
//	GET  /watch_job?name=...
func (srv *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(srv.authenticate)

		r.With(middleware.Timeout(srv.cfg.Server.RequestTimeout.Duration)).Put("/get", srv.handleGet)
		r.With(middleware.Timeout(srv.cfg.Server.RequestTimeout.Duration)).Put("/get_job", srv.handleGetJob)
		r.Get("/watch", srv.handleWatch)
		r.Get("/watch_job", srv.handleWatchJob)
	})

	return r
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

var ErrMissingParam = errors.New("missing query parameter")

func (srv *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": srv.service.InFlight(),
		"workers":   srv.service.Workers(),
	})
}

func (srv *Server) handleGet(w http.ResponseWriter, req *http.Request) {
	build, workflow := srv.reportParams(req)
	if build == "" {
		srv.writeError(w, req, fmt.Errorf("%w: build", ErrMissingParam))
		return
	}

	result, err := srv.service.Report(req.Context(), workflow, build)
	if err != nil {
		srv.writeError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleWatch(w http.ResponseWriter, req *http.Request) {
	build, workflow := srv.reportParams(req)
	if build == "" {
		srv.writeError(w, req, fmt.Errorf("%w: build", ErrMissingParam))
		return
	}

	srv.stream(w, req, srv.service.WatchReport(workflow, build))
}

func (srv *Server) handleGetJob(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	if name == "" {
		srv.writeError(w, req, fmt.Errorf("%w: name", ErrMissingParam))
		return
	}

	result, err := srv.service.Description(req.Context(), name)
	if err != nil {
		srv.writeError(w, req, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (srv *Server) handleWatchJob(w http.ResponseWriter, req *http.Request) {
	name := req.URL.Query().Get("name")
	if name == "" {
		srv.writeError(w, req, fmt.Errorf("%w: name", ErrMissingParam))
		return
	}

	srv.stream(w, req, srv.service.WatchDescription(name))
}

func (srv *Server) reportParams(req *http.Request) (string, string) {
	query := req.URL.Query()

	workflow := query.Get("workflow")
	if workflow == "" {
		workflow = srv.cfg.Server.DefaultWorkflow
	}

	return query.Get("build"), workflow
}

var (
	redirectEvent = scheduler.NewEvent("redirect", scheduler.Flag(true))
	endEvent      = scheduler.NewEvent("end", scheduler.Flag(true))
)

// stream writes the events of ch as server-sent events. A nil channel means
// the job is no longer in flight: the client is told to fetch the stored
// result instead.
func (srv *Server) stream(w http.ResponseWriter, req *http.Request, ch *scheduler.Channel) {
	l := srv.logger.With("Fn", "Server.stream", "req.URL", req.URL.String())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)

	send := func(ev scheduler.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}

		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return err
		}

		if flusher != nil {
			flusher.Flush()
		}

		return nil
	}

	if ch == nil {
		if err := send(redirectEvent); err != nil {
			l.Debug("could not write redirect", "error", err)
		}

		return
	}

	defer ch.Close()

	for {
		ctx, cancel := context.WithTimeout(req.Context(), srv.heartbeat)
		ev, err := ch.Recv(ctx)
		cancel()

		switch {
		case errors.Is(err, scheduler.ErrChannelClosed):
			if err := send(endEvent); err != nil {
				l.Debug("could not write end", "error", err)
			}

			return

		case err != nil && req.Context().Err() == nil:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}

			if flusher != nil {
				flusher.Flush()
			}

			continue

		case err != nil:
			l.Debug("client went away")
			return
		}

		if err := send(ev); err != nil {
			l.Debug("could not write event", "error", err)
			return
		}
	}
}

func (srv *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	code := http.StatusInternalServerError

	var unknownWorkflow UnknownWorkflowError

	switch {
	case errors.Is(err, ErrMissingParam):
		code = http.StatusBadRequest
	case errors.As(err, &unknownWorkflow), errors.Is(err, ErrDescribeDisabled):
		code = http.StatusNotFound
	case errors.Is(err, scheduler.ErrPoolStopped):
		code = http.StatusServiceUnavailable
	default:
		srv.logger.Error(
			"request failed",
			"Fn", "Server.writeError",
			"req.URL.Path", req.URL.Path,
			"error", err,
		)
	}

	writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Details: err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	_ = json.NewEncoder(w).Encode(v)
}

// authenticate checks the request token when server.auth is configured.
// Failures are answered with a 404: there is no reason to let strangers
// know the endpoint is valid.
func (srv *Server) authenticate(next http.Handler) http.Handler {
	authCfg := srv.cfg.Server.Auth
	if authCfg == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		logger := srv.logger.With("Fn", "Server.authenticate", "req.URL.Path", req.URL.Path)

		ctx, cancel := context.WithTimeout(req.Context(), srv.validationTimeout)
		defer cancel()

		if err := validateRequest(ctx, logger, *authCfg, req); err != nil {
			w.WriteHeader(http.StatusNotFound)

			if errors.Is(err, ErrAuthFailed) {
				logger.Debug("authentication failed")
				return
			}

			logger.Error("unexpected request validation error", "error", err)

			return
		}

		next.ServeHTTP(w, req)
	})
}

var ErrAuthFailed = errors.New("authentication failed")

func validateRequest(ctx context.Context, logger *slog.Logger, authCfg Auth, req *http.Request) error {
	token := req.Header.Get(TokenHeaderField)

	switch authCfg.Validator {
	case ListValidator:
		logger.Debug("using list validator")

		for _, tk := range authCfg.Token {
			if token == tk {
				return nil
			}
		}

		return ErrAuthFailed

	case CommandValidator:
		logger.Debug("using command validator")

		cmd := exec.CommandContext(ctx, "bash", "-c", authCfg.Run)
		cmd.Env = append(os.Environ(), "LOOKOUT_TOKEN="+token)

		if err := cmd.Run(); err != nil {
			exitErr := &exec.ExitError{}
			if errors.As(err, &exitErr) {
				return fmt.Errorf("%w: command exited with code %d", ErrAuthFailed, exitErr.ExitCode())
			}

			return fmt.Errorf("command returned error: %w", err)
		}

		return nil

	default:
		return ErrUnknownValidator
	}
}

var ErrUnknownValidator = errors.New("unknown validator")

const TokenHeaderField = "X-Authorization"
