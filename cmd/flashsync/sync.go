package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/smith3v/flashsync/pkg/syncqueue"
	"github.com/spf13/cobra"
)

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued changes now, ignoring retry backoff",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			out := cmd.OutOrStdout()
			if !a.probe(ctx) {
				fmt.Fprintln(out, "remote not reachable, changes stay queued")
				return nil
			}
			report, err := a.service.ForceSync(ctx)
			if err != nil {
				return err
			}
			if report.Skipped {
				fmt.Fprintf(out, "sync skipped: %s\n", report.Reason)
				return nil
			}
			fmt.Fprintf(out, "synced %d of %d, retrying %d, conflicts %d, failed %d\n",
				report.Synced, report.Total, report.Retried, report.Conflicts, report.Failed())
			for _, exhausted := range report.Exhausted {
				fmt.Fprintf(out, "failed: %v\n", exhausted)
			}
			return nil
		}),
	}
}

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show how many changes wait for delivery",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			count, err := a.service.PendingSyncCount(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		}),
	}
}

func newFailedCmd() *cobra.Command {
	failed := &cobra.Command{
		Use:   "failed",
		Short: "List changes that ran out of retries",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			ops, err := a.service.FailedSyncOperations(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tKIND\tENTITY\tRETRIES\tUPDATED\tLAST ERROR")
			for _, op := range ops {
				fmt.Fprintf(w, "%d\t%s\t%s/%s\t%d\t%s\t%s\n",
					op.ID, op.Kind, op.EntityType, op.EntityID, op.RetryCount,
					op.UpdatedAt.Local().Format(time.DateTime), op.LastError)
			}
			return w.Flush()
		}),
	}

	failed.AddCommand(&cobra.Command{
		Use:   "retry <operation-id>",
		Short: "Give a failed change a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := parseOperationID(args[0])
			if err != nil {
				return err
			}
			op, err := a.service.RetryFailed(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operation %d is pending again\n", op.ID)
			return nil
		}),
	})
	return failed
}

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <operation-id> <use_local|use_remote|merge>",
		Short: "Settle a conflicting change",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			id, err := parseOperationID(args[0])
			if err != nil {
				return err
			}
			strategy, err := syncqueue.ParseStrategy(args[1])
			if err != nil {
				return err
			}
			resolution := syncqueue.Resolution{Strategy: strategy}
			if payloadFile, _ := cmd.Flags().GetString("payload"); payloadFile != "" {
				data, err := os.ReadFile(payloadFile)
				if err != nil {
					return err
				}
				resolution.Payload = data
			}
			if strategy != syncqueue.UseRemote && !a.probe(ctx) {
				return fmt.Errorf("remote not reachable")
			}
			if err := a.service.ResolveConflict(ctx, id, resolution); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "operation %d resolved with %s\n", id, strategy)
			return nil
		}),
	}
	cmd.Flags().String("payload", "", "JSON file with the merged version (merge only)")
	return cmd
}

func parseOperationID(value string) (uint, error) {
	id, err := strconv.ParseUint(value, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid operation id %q", value)
	}
	return uint(id), nil
}
