// Package cli implements the swcache command line.
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/unkn0wn-root/swcache/internal/app"
	"github.com/unkn0wn-root/swcache/internal/config"
)

const version = "0.1.0"

const (
	ExitSuccess      = 0
	ExitUsageError   = 2
	ExitRuntimeError = 4
)

var rootCmd = &cobra.Command{
	Use:           "swcache",
	Short:         "Offline-capable caching proxy",
	Long:          "swcache fronts a web application with a versioned, offline-capable HTTP cache.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Run executes the root command and returns an exit code.
func Run() int {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(generationsCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if exitCode == ExitSuccess {
			return ExitRuntimeError
		}
	}
	return exitCode
}

var exitCode = ExitSuccess

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print swcache version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "swcache version %s\n", version)
	},
}

// openApp loads configuration and builds the layer without starting it.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		exitCode = ExitUsageError
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{})
}
