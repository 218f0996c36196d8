package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gmsandbox",
		Short:         "Run userscripts in an isolated GM sandbox",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newParseCmd())
	return root
}

func newRunCmd() *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load the scripts of a manifest into a page and run them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.manifest, "manifest", "m", "run.yaml", "run manifest (.yaml or .toml)")
	f.StringVarP(&opts.output, "output", "o", "text", "report format: text or json")
	f.BoolVar(&opts.metrics, "metrics", false, "serve /metrics and /scripts while running")
	f.BoolVar(&opts.keep, "keep", false, "keep serving after the run until interrupted")
	f.StringVar(&opts.logLevel, "log-level", "", "override GMS_LOG_LEVEL")
	return cmd
}

func newParseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "parse FILE",
		Short: "Print the metadata of a userscript as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return parseScript(args[0], cmd.OutOrStdout())
		},
	}
}
