package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print a valid bearer token, extracting one only when the cache has none",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			token, err := a.manager.GetValidToken(ctx)
			if err != nil {
				return withExitCode(ExitCodeExtractionFailed, err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}

func newExtractCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Run the browser login and print the extraction result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := a.manager.ExtractToken(ctx, force)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if !res.Success {
				return withExitCode(ExitCodeExtractionFailed, fmt.Errorf("extraction failed: %s", res.Error))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Ignore a valid cached token")
	return cmd
}

func newCallCommand() *cobra.Command {
	var (
		method string
		data   string
	)

	cmd := &cobra.Command{
		Use:   "call <endpoint>",
		Short: "Call the API with the broker's token and record the call",
		Long:  "Call the device-management API. The endpoint is an absolute URL or a path relative to api_base_url.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := parseBody(data)
			if err != nil {
				return err
			}

			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			entry, err := a.client.Call(cmd.Context(), args[0], method, body)
			if entry == nil {
				return err
			}
			if printErr := printJSON(cmd.OutOrStdout(), entry); printErr != nil {
				return printErr
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&method, "method", "X", "GET", "HTTP method (GET, POST, PUT, DELETE)")
	cmd.Flags().StringVar(&data, "data", "", "JSON request body for POST and PUT")
	return cmd
}

func newHistoryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show the recent API call history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			calls, err := a.client.History()
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"total_calls":  len(calls),
				"recent_calls": calls,
			})
		},
	}
}

func newCacheCommand() *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or clear the token cache file",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the token cache file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			text, err := a.manager.ReadCacheFileAsText()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Delete the token cache file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			removed, err := a.manager.Clear()
			if err != nil {
				return err
			}
			if removed {
				fmt.Fprintln(cmd.OutOrStdout(), "Token data cleared successfully")
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "No token data to clear")
			}
			return nil
		},
	})

	return cacheCmd
}

func newRunsCommand() *cobra.Command {
	var (
		limit int
		runID string
	)

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent extraction runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			if runID != "" {
				run, err := a.manager.Run(runID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), run)
			}
			runs, err := a.manager.Runs(limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to show")
	cmd.Flags().StringVar(&runID, "id", "", "Show only the run with this ID")
	return cmd
}

// parseBody decodes a JSON request body. An empty string means no body.
func parseBody(data string) (any, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, nil
	}
	var body any
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		return nil, fmt.Errorf("invalid --data JSON: %w", err)
	}
	return body, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
