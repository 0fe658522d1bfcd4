package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "flashsync",
		Short:         "Spaced-repetition flashcards with offline sync",
		Long:          "flashsync schedules card reviews locally and keeps every change queued until the remote authority has acknowledged it.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "Path to a YAML or JSON config file")
	flags.String("db-driver", "", "Database driver (sqlite or postgres)")
	flags.String("db-path", "", "Path to the SQLite database file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("log-file", "", "Also write logs to this file")
	flags.String("log-format", "", "Log format (text or json)")
	flags.String("remote-url", "", "Base URL of the remote authority")
	flags.String("remote-token", "", "Bearer token for the remote authority")

	root.AddCommand(
		newRunCmd(),
		newReviewCmd(),
		newSessionCmd(),
		newStatsCmd(),
		newSyncCmd(),
		newPendingCmd(),
		newFailedCmd(),
		newResolveCmd(),
		newDeckCmd(),
		newCardCmd(),
		newImportCmd(),
		newExportCmd(),
	)
	return root
}
