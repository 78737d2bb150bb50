package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aalbacetef/lookout"
)

type options struct {
	cfgPath string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:           "lookout",
		Short:         "Build failure analysis service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "",
		"config file (default: $"+lookout.ConfigEnvVar+" or ./lookout.yml)")

	cmd.AddCommand(
		newServeCmd(opts),
		newAnalyzeCmd(opts),
		newDescribeCmd(opts),
	)

	return cmd
}

func (opts *options) load() (lookout.Config, error) {
	cfg, src, err := lookout.Load(opts.cfgPath)
	if err != nil {
		return cfg, fmt.Errorf("could not load config (source: %s): %w", src, err)
	}

	return cfg, nil
}
