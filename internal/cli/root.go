// Package cli implements the simrelay command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "simrelay",
		Short: "simrelay dispatches simulation jobs to a remote platform",
		Long: `simrelay submits simulation payloads to a remote platform through a
self-healing authenticated client, records each outcome, and periodically
reconciles recorded outcomes with a status API.

Configuration is read from SIMRELAY_* environment variables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newReconcileCmd(),
		newSubmitCmd(),
	)

	return rootCmd
}
