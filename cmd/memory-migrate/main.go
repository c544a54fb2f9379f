package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// configError marks failures detected before any migration work starts; they exit with status 2.
type configError struct{ err error }

func (e configError) Error() string { return e.err.Error() }
func (e configError) Unwrap() error { return e.err }

func asConfigError(err error) error {
	if err == nil {
		return nil
	}
	return configError{err: err}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, err.Error())
		var ce configError
		if errors.As(err, &ce) {
			return 2
		}
		return 1
	}
	return 0
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "memory-migrate",
		Short: "Migrate chat history into an episodic memory store",
		Long: `Migrate chat history into an episodic memory store.

Conversations are decoded from the chat history, cached under the extract
directory, optionally summarized in batches, and posted to the memory store
with one worker per conversation. Reruns reuse cached artifacts.

Every flag can also be set as MEMORY_MIGRATE_<FLAG> (dashes become
underscores) or in the file named by --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return configError{err: err}
	})
	root.PersistentFlags().String("config", "", "Optional config file (JSON, YAML or TOML)")

	root.AddCommand(newMigrateCmd(stdout, stderr), newExtractCmd(stdout, stderr))
	return root
}

func newMigrateCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Load, optionally summarize, and insert conversations into the memory store",
		Example: `  memory-migrate migrate --chat-history data/locomo10.json --base-url http://127.0.0.1:8080
  memory-migrate migrate --summarize --summarize-every 20 --report run.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return asConfigError(err)
			}
			return runMigrate(cmd.Context(), loadConfig(v), stdout, stderr)
		},
	}
	bindMigrateFlags(cmd)
	return cmd
}

func newExtractCmd(stdout, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "extract",
		Short: "Decode a chat history into one flattened message per line",
		Example: `  memory-migrate extract --infile data/locomo10.json --conversation 2 -n 100
  memory-migrate extract -i data/locomo10.json -o messages.txt -t 2023-05-01T00:00:00`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return asConfigError(err)
			}
			return runExtract(loadExtractConfig(v), stdout, stderr)
		},
	}
	bindExtractFlags(cmd)
	return cmd
}
