package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mcprmm-go/internal/reqcontext"
)

var (
	configFile string
	envFile    string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		code := exitCode(err)
		if code != ExitCodeGeneralError {
			fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, exitCodeDescription(code))
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "mcprmm",
		Short:         "Credential broker for the remote device-management API",
		Long:          "mcprmm logs in through a headless browser, captures the API bearer token, caches it and serves it to MCP clients over stdio.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		cmd.SetContext(reqcontext.WithMetadata(cmd.Context(), reqcontext.SourceCLI))
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configFile, "config", "c", "", "Configuration file path (default: <data-dir>/mcprmm.json)")
	flags.StringVar(&envFile, "env-file", "", "Environment file to load (default: ./.env when present)")
	flags.StringP("data-dir", "d", "", "Data directory path (default: ~/.mcprmm)")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	flags.Bool("log-to-file", false, "Also write logs to a rotating file")
	flags.String("log-dir", "", "Custom log directory path (overrides standard OS location)")
	flags.Bool("headless", true, "Run the browser without a window (use --headless=false to watch the login)")
	flags.Int("slow-mo", 1500, "Delay in milliseconds applied around browser actions")
	flags.Int("extraction-timeout", 400, "Overall extraction deadline in seconds")
	flags.String("metrics-listen", "", "Address for the /metrics and /healthz listener (disabled when empty)")
	flags.Bool("tracing-enabled", false, "Export OpenTelemetry traces over OTLP/HTTP")

	rootCmd.AddCommand(
		newServeCommand(),
		newTokenCommand(),
		newExtractCommand(),
		newCallCommand(),
		newHistoryCommand(),
		newCacheCommand(),
		newRunsCommand(),
		newSecretsCommand(),
	)
	return rootCmd
}

// exitCode maps an error returned by a command to a process exit code.
func exitCode(err error) int {
	var coded *codedError
	if errors.As(err, &coded) {
		return coded.code
	}
	return ExitCodeGeneralError
}
