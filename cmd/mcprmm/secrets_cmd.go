package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mcprmm-go/internal/secret"
)

func newSecretsCommand() *cobra.Command {
	secretsCmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage credentials stored in the OS keyring",
		Long:  "Store and remove credentials in the operating system keyring. Reference them from configuration as ${keyring:<name>}.",
	}

	secretsCmd.AddCommand(newSecretsSetCommand())
	secretsCmd.AddCommand(newSecretsDeleteCommand())
	secretsCmd.AddCommand(newSecretsListCommand())
	return secretsCmd
}

func newSecretsSetCommand() *cobra.Command {
	var fromEnv string

	cmd := &cobra.Command{
		Use:   "set <name> [value]",
		Short: "Store a secret in the keyring",
		Long:  "Store a secret in the OS keyring. Without a value it is read from stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			var value string
			switch {
			case len(args) == 2:
				value = args[1]
			case fromEnv != "":
				value = os.Getenv(fromEnv)
				if value == "" {
					return fmt.Errorf("environment variable %s is not set or empty", fromEnv)
				}
			default:
				fmt.Fprint(cmd.ErrOrStderr(), "Enter secret value: ")
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("failed to read secret value: %w", err)
				}
				value = strings.TrimRight(line, "\r\n")
			}
			if value == "" {
				return fmt.Errorf("secret value cannot be empty")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ref := secret.Ref{Type: secret.TypeKeyring, Name: name}
			if err := secret.NewResolver().Store(ctx, ref, value); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Secret '%s' stored successfully in keyring\n", name)
			fmt.Fprintf(cmd.OutOrStdout(), "Use in config: %s\n", ref)
			return nil
		},
	}

	cmd.Flags().StringVar(&fromEnv, "from-env", "", "Read value from environment variable")
	return cmd
}

func newSecretsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a secret from the keyring",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			ref := secret.Ref{Type: secret.TypeKeyring, Name: args[0]}
			if err := secret.NewResolver().Delete(ctx, ref); err != nil {
				return fmt.Errorf("failed to delete secret: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Secret '%s' deleted from keyring\n", args[0])
			return nil
		},
	}
}

func newSecretsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets stored by mcprmm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			refs := secret.NewResolver().List(ctx)
			if len(refs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No secrets stored")
				return nil
			}
			for _, ref := range refs {
				fmt.Fprintln(cmd.OutOrStdout(), ref.String())
			}
			return nil
		},
	}
}
