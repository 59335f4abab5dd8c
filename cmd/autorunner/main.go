// Package main is the entry point for the autorunner hub.
// One binary covers both sides: serve runs the hub server with the flow,
// delivery, and session services; the pma, hub, and flow subcommands
// administer a hub from the outside.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

// usageError marks argument mistakes so Execute exits 2 instead of 1.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// exactArgs wraps cobra.ExactArgs so count mistakes also exit 2.
func exactArgs(n int) cobra.PositionalArgs {
	inner := cobra.ExactArgs(n)
	return func(cmd *cobra.Command, args []string) error {
		if err := inner(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "autorunner",
		Short:         "Filesystem-backed hub for coding-agent flows",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(pmaCmd())
	cmd.AddCommand(hubCmd())
	cmd.AddCommand(flowCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("autorunner %s\n", Version)
		},
	}
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var ue usageError
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
