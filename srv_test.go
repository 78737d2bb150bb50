package lookout

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aalbacetef/lookout/scheduler"
)

func mustLoadTestConfig(t *testing.T, data []byte) Config {
	t.Helper()

	cfg, err := loadConfig(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("could not load config file: %v", err)
	}

	dir := t.TempDir()
	cfg.Store.Path = filepath.Join(dir, "lookout.sqlite3")

	if cfg.Server.Logging.Dir != "" {
		cfg.Server.Logging.Dir = filepath.Join(dir, "logs")
	}

	return cfg
}

func TestServerInit(t *testing.T) {
	cfg := mustLoadTestConfig(t, testFilePopulated)

	server, err := NewServer(cfg)
	if err != nil {
		t.Fatalf("could not initialize server: %v", err)
	}

	defer server.Close()

	t.Run("logger should be set", func(tt *testing.T) {
		if server.logger == nil {
			tt.Fatalf("logger is nil")
		}
	})

	t.Run("validation timeout is set", func(tt *testing.T) {
		if server.validationTimeout != defaultValidationTimeout {
			tt.Fatalf("validation timeout was not set")
		}
	})

	t.Run("cleanup was set", func(tt *testing.T) {
		// log file, tracing, store, janitor and pool.
		wantN := 5
		gotN := len(server.cleanup)

		if gotN != wantN {
			tt.Fatalf("got %d, want %d", gotN, wantN)
		}
	})

	t.Run("workflows are registered", func(tt *testing.T) {
		got := strings.Join(server.Service().Workflows(), ",")
		if got != "predict,react" {
			tt.Fatalf("got '%s'", got)
		}
	})
}

func TestServerCleanup(t *testing.T) {
	t.Run("close should call all cleanup handlers", func(tt *testing.T) {
		wasCalled := []bool{false, false, false}
		srv := &Server{}

		for k := range len(wasCalled) {
			srv.cleanup = append(srv.cleanup, func() {
				wasCalled[k] = true
			})
		}

		srv.Close()

		tt.Run("all handlers were called", func(ttt *testing.T) {
			for k, v := range wasCalled {
				if !v {
					ttt.Fatalf("%d: not called", k)
				}
			}
		})

		tt.Run("should have set cleanup to nil", func(ttt *testing.T) {
			if srv.cleanup != nil {
				ttt.Fatalf("did not set srv.cleanup to nil")
			}
		})
	})

	t.Run("close stops the pool", func(tt *testing.T) {
		srv, err := NewServer(mustLoadTestConfig(tt, testFileOnlyRequired))
		require.NoError(tt, err)

		srv.Close()

		_, err = srv.Service().Report(context.Background(), "react", "after-close")
		require.Error(tt, err)
	})
}

// newTestServer serves svc without going through NewServer.
func newTestServer(t *testing.T, cfg Config, svc *Service) *httptest.Server {
	t.Helper()

	srv := &Server{
		cfg:               cfg,
		logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		service:           svc,
		validationTimeout: defaultValidationTimeout,
		heartbeat:         20 * time.Millisecond,
	}

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	return ts
}

func put(t *testing.T, ts *httptest.Server, path string, query url.Values) (int, []byte) {
	t.Helper()

	req, err := http.NewRequest(http.MethodPut, ts.URL+path+"?"+query.Encode(), nil)
	require.NoError(t, err)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

// readFrames parses the data frames of an event stream.
func readFrames(t *testing.T, body io.Reader) []scheduler.Event {
	t.Helper()

	var events []scheduler.Event

	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		ev := scheduler.Event{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))

		events = append(events, ev)
	}

	require.NoError(t, scanner.Err())

	return events
}

func kinds(events []scheduler.Event) []scheduler.Kind {
	out := make([]scheduler.Kind, len(events))
	for k, ev := range events {
		out[k] = ev.Kind
	}

	return out
}

func TestGetAndWatch(t *testing.T) {
	cfg := mustLoadTestConfig(t, testFileOnlyRequired)
	workflow := newGatedWorkflow("react")
	svc := mustCreateService(t, workflow)
	ts := newTestServer(t, cfg, svc)

	query := url.Values{"build": {"https://ci.example.com/1"}}

	code, body := put(t, ts, "/get", query)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "PENDING"}`, string(body))

	code, body = put(t, ts, "/get", query)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "PENDING"}`, string(body), "in-flight builds stay pending")

	resp, err := ts.Client().Get(ts.URL + "/watch?" + query.Encode())
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	close(workflow.gate)

	events := readFrames(t, resp.Body)
	require.Equal(t, []scheduler.Kind{
		scheduler.KindWorkflow,
		scheduler.KindRunID,
		scheduler.KindProgress,
		scheduler.KindReport,
		scheduler.KindStatus,
		"end",
	}, kinds(events))

	var history []scheduler.Event

	require.Eventually(t, func() bool {
		code, body := put(t, ts, "/get", query)
		if code != http.StatusOK || bytes.HasPrefix(body, []byte("{")) {
			return false
		}

		history, err = scheduler.Decode(body)

		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, []scheduler.Kind{
		scheduler.KindWorkflow,
		scheduler.KindRunID,
		scheduler.KindReport,
		scheduler.KindStatus,
	}, kinds(history), "progress is not stored")
	require.Equal(t, 1, workflow.Runs())

	t.Run("watching a finished build redirects", func(tt *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/watch?" + query.Encode())
		require.NoError(tt, err)

		defer resp.Body.Close()

		events := readFrames(tt, resp.Body)
		require.Equal(tt, []scheduler.Event{redirectEvent}, events)
	})
}

func TestGetAfterPrepareFailure(t *testing.T) {
	cfg := mustLoadTestConfig(t, testFileOnlyRequired)
	workflow := newGatedWorkflow("react")

	svc := mustCreateService(t, workflow, WithPreparer(preparerFunc(func(context.Context) error {
		return errors.New("kerberos ticket expired")
	})))

	ts := newTestServer(t, cfg, svc)
	query := url.Values{"build": {"https://ci.example.com/1"}}

	code, body := put(t, ts, "/get", query)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"status": "PENDING"}`, string(body))

	resp, err := ts.Client().Get(ts.URL + "/watch?" + query.Encode())
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, []scheduler.Event{redirectEvent}, readFrames(t, resp.Body))

	code, body = put(t, ts, "/get", query)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[["error", "Preparation failed: kerberos ticket expired"]]`, string(body))
	require.Zero(t, workflow.Runs())
}

func TestRequestErrors(t *testing.T) {
	cfg := mustLoadTestConfig(t, testFileOnlyRequired)
	ts := newTestServer(t, cfg, mustCreateService(t, newGatedWorkflow("react")))

	t.Run("missing build", func(tt *testing.T) {
		code, body := put(tt, ts, "/get", url.Values{})
		require.Equal(tt, http.StatusBadRequest, code)

		resp := ErrorResponse{}
		require.NoError(tt, json.Unmarshal(body, &resp))
		require.Equal(tt, http.StatusBadRequest, resp.Code)
	})

	t.Run("unknown workflow", func(tt *testing.T) {
		code, _ := put(tt, ts, "/get", url.Values{"build": {"b"}, "workflow": {"nope"}})
		require.Equal(tt, http.StatusNotFound, code)
	})

	t.Run("describe is not configured", func(tt *testing.T) {
		code, _ := put(tt, ts, "/get_job", url.Values{"name": {"nightly"}})
		require.Equal(tt, http.StatusNotFound, code)
	})

	t.Run("health", func(tt *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/health")
		require.NoError(tt, err)

		defer resp.Body.Close()

		health := map[string]any{}
		require.NoError(tt, json.NewDecoder(resp.Body).Decode(&health))
		require.Equal(tt, "ok", health["status"])
		require.EqualValues(tt, 2, health["workers"])
	})
}

func TestAuthentication(t *testing.T) {
	cfg := mustLoadTestConfig(t, testFileOnlyRequired)
	cfg.Server.Auth = &Auth{Validator: ListValidator, Token: []string{"secret"}}

	ts := newTestServer(t, cfg, mustCreateService(t, newGatedWorkflow("react")))

	request := func(token string) int {
		req, err := http.NewRequest(http.MethodPut, ts.URL+"/get?build=", nil)
		require.NoError(t, err)

		if token != "" {
			req.Header.Set(TokenHeaderField, token)
		}

		resp, err := ts.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		return resp.StatusCode
	}

	t.Run("missing token", func(tt *testing.T) {
		require.Equal(tt, http.StatusNotFound, request(""))
	})

	t.Run("wrong token", func(tt *testing.T) {
		require.Equal(tt, http.StatusNotFound, request("guess"))
	})

	t.Run("valid token reaches the handler", func(tt *testing.T) {
		require.Equal(tt, http.StatusBadRequest, request("secret"))
	})

	t.Run("health is public", func(tt *testing.T) {
		resp, err := ts.Client().Get(ts.URL + "/health")
		require.NoError(tt, err)
		resp.Body.Close()

		require.Equal(tt, http.StatusOK, resp.StatusCode)
	})
}

func TestCommandValidator(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	authCfg := Auth{Validator: CommandValidator, Run: `test "$LOOKOUT_TOKEN" = "letmein"`}

	req := httptest.NewRequest(http.MethodPut, "/get", nil)
	req.Header.Set(TokenHeaderField, "letmein")
	require.NoError(t, validateRequest(context.Background(), logger, authCfg, req))

	req.Header.Set(TokenHeaderField, "nope")
	require.ErrorIs(t, validateRequest(context.Background(), logger, authCfg, req), ErrAuthFailed)
}

func TestScriptWorkflowEndToEnd(t *testing.T) {
	cfg := mustLoadTestConfig(t, testFileOnlyRequired)
	cfg.Workflows[0].Run = `
echo "analyzing $LOOKOUT_BUILD"
echo "[\"report\", {\"build\": \"$LOOKOUT_BUILD\", \"workflow\": \"$LOOKOUT_WORKFLOW\"}]"
`

	srv, err := NewServer(cfg)
	require.NoError(t, err)

	defer srv.Close()

	ts := httptest.NewServer(srv.Routes())
	defer ts.Close()

	query := url.Values{"build": {"b42"}}

	var history []scheduler.Event

	require.Eventually(t, func() bool {
		code, body := put(t, ts, "/get", query)
		if code != http.StatusOK || bytes.HasPrefix(body, []byte("{")) {
			return false
		}

		history, err = scheduler.Decode(body)

		return err == nil
	}, 10*time.Second, 50*time.Millisecond)

	report := struct {
		Build    string `json:"build"`
		Workflow string `json:"workflow"`
	}{}

	require.Equal(t, scheduler.KindReport, history[2].Kind)
	require.NoError(t, history[2].Payload.Decode(&report))
	require.Equal(t, "b42", report.Build)
	require.Equal(t, "react", report.Workflow)
	require.Equal(t, scheduler.Status("completed"), history[len(history)-1])
}
