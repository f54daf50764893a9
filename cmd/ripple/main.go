package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ripple-frame/ripple/internal/errors"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ╦═╗┬┌─┐┌─┐┬  ┌─┐
  ╠╦╝│├─┘├─┘│  ├┤
  ╩╚═┴┴  ┴  ┴─┘└─┘
`

func main() {
	rootCmd := &cobra.Command{
		Use:   "ripple",
		Short: "Session state backend for real-time applications",
		Long: `Ripple keeps per-session application state on the server and
streams committed changes to connected clients over WebSocket.

Handlers mutate state inside a session-scoped lock; every commit is
broadcast as a delta. Disconnected sessions stay resumable for a
configurable window and can be persisted to Redis, SQL, or S3.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		initCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		errors.PrintError(err)
		os.Exit(1)
	}
}

// printBanner prints the Ripple ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// success prints a success message.
func success(format string, args ...any) {
	fmt.Printf("\033[32m✓\033[0m %s\n", fmt.Sprintf(format, args...))
}

// info prints an info message.
func info(format string, args ...any) {
	fmt.Printf("  %s\n", fmt.Sprintf(format, args...))
}
