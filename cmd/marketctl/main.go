// marketctl drives monitord's admin API from the command line.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

// exitError carries the process exit code through cobra. Errors cobra
// raises itself (bad flags, wrong arg counts) stay at code 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func runtimeError(err error) error {
	return &exitError{code: 2, err: err}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newRootCommand() *cobra.Command {
	var addr, token string

	rootCmd := &cobra.Command{
		Use:           "marketctl",
		Short:         "Control a running monitord over its admin API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&addr, "addr", envOr("MONITORD_ADDR", "http://localhost:8080"), "monitord base URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("ADMIN_TOKEN"), "admin API token")

	mkClient := func() *client { return newClient(addr, token) }

	rootCmd.AddCommand(newStatusCommand(mkClient))
	rootCmd.AddCommand(newTasksCommand(mkClient))
	rootCmd.AddCommand(newProxiesCommand(mkClient))

	return rootCmd
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var xe *exitError
		if errors.As(err, &xe) {
			os.Exit(xe.code)
		}
		os.Exit(1)
	}
}
