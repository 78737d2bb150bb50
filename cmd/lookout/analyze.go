package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/aalbacetef/lookout"
	"github.com/aalbacetef/lookout/scheduler"
)

func newAnalyzeCmd(opts *options) *cobra.Command {
	var workflow string

	cmd := &cobra.Command{
		Use:   "analyze <build-url>",
		Short: "Analyze a build and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			build := args[0]

			if workflow == "" {
				workflow = cfg.Server.DefaultWorkflow
			}

			return runLocal(cmd.Context(), cfg, cmd.OutOrStdout(), localRequest{
				fetch: func(ctx context.Context, svc *lookout.Service) (lookout.Result, error) {
					return svc.Report(ctx, workflow, build)
				},
				watch: func(svc *lookout.Service) *scheduler.Channel {
					return svc.WatchReport(workflow, build)
				},
			})
		},
	}

	cmd.Flags().StringVarP(&workflow, "workflow", "w", workflow, "workflow to run (defaults to server.default-workflow)")

	return cmd
}

func newDescribeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <job-name>",
		Short: "Describe a CI job and print its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			name := args[0]

			return runLocal(cmd.Context(), cfg, cmd.OutOrStdout(), localRequest{
				fetch: func(ctx context.Context, svc *lookout.Service) (lookout.Result, error) {
					return svc.Description(ctx, name)
				},
				watch: func(svc *lookout.Service) *scheduler.Channel {
					return svc.WatchDescription(name)
				},
			})
		},
	}
}

type localRequest struct {
	fetch func(ctx context.Context, svc *lookout.Service) (lookout.Result, error)
	watch func(svc *lookout.Service) *scheduler.Channel
}

// runLocal resolves a request in-process: a stored result is printed as is,
// otherwise the job is run and its events printed as they arrive.
func runLocal(ctx context.Context, cfg lookout.Config, out io.Writer, r localRequest) error {
	srv, err := lookout.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("could not initialize: %w", err)
	}

	defer srv.Close()

	svc := srv.Service()

	result, err := r.fetch(ctx, svc)
	if err != nil {
		return err
	}

	if !result.Pending {
		return printEvents(out, result.History)
	}

	ch := r.watch(svc)
	if ch == nil {
		// finished between the two calls.
		result, err = r.fetch(ctx, svc)
		if err != nil {
			return err
		}

		return printEvents(out, result.History)
	}

	defer ch.Close()

	for {
		ev, err := ch.Recv(ctx)
		if errors.Is(err, scheduler.ErrChannelClosed) {
			return nil
		}

		if err != nil {
			return err
		}

		if err := printEvents(out, []scheduler.Event{ev}); err != nil {
			return err
		}
	}
}

func printEvents(out io.Writer, events []scheduler.Event) error {
	for _, ev := range events {
		if _, err := fmt.Fprintf(out, "%-10s %s\n", ev.Kind, ev.Payload); err != nil {
			return err
		}
	}

	return nil
}
