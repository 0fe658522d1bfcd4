package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/smith3v/flashsync/pkg/selection"
	"github.com/smith3v/flashsync/pkg/srs"
	"github.com/spf13/cobra"
)

func newReviewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review <card-id> <again|hard|good|easy|1-4>",
		Short: "Record a review of a card",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			rating, err := srs.ParseRating(args[1])
			if err != nil {
				return err
			}
			nextDue, err := a.service.SubmitReview(ctx, args[0], rating)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "next review %s (in %s)\n",
				nextDue.Local().Format(time.RFC3339), time.Until(nextDue).Round(time.Minute))
			return nil
		}),
	}
}

func newSessionCmd() *cobra.Command {
	session := &cobra.Command{
		Use:   "session",
		Short: "Start and finish study sessions",
	}

	start := &cobra.Command{
		Use:   "start",
		Short: "Select the cards to study now",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			modeFlag, _ := cmd.Flags().GetString("mode")
			decks, _ := cmd.Flags().GetStringSlice("deck")
			bypass, _ := cmd.Flags().GetBool("include-silenced")

			var mode selection.Mode
			if modeFlag != "" {
				parsed, err := selection.ParseMode(modeFlag)
				if err != nil {
					return err
				}
				mode = parsed
			}

			result, err := a.service.StartSession(ctx, mode, selection.Scope{DeckIDs: decks, BypassSilence: bypass})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (%s): %d cards\n", result.ID, result.Mode, len(result.Cards))
			for _, card := range result.Cards {
				fmt.Fprintf(out, "%s\t%s\t%s\n", card.ID, card.Summary().State, card.Question)
			}
			return nil
		}),
	}
	start.Flags().String("mode", "", "Review mode (normal, practice, cram)")
	start.Flags().StringSlice("deck", nil, "Restrict the session to these deck ids")
	start.Flags().Bool("include-silenced", false, "Include silenced decks named with --deck")

	finish := &cobra.Command{
		Use:   "finish <session-id> <reviewed-count>",
		Short: "Close a session",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			reviewed, err := strconv.Atoi(args[1])
			if err != nil || reviewed < 0 {
				return fmt.Errorf("invalid reviewed count %q", args[1])
			}
			finished, err := a.service.FinishSession(ctx, args[0], reviewed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s finished: %d of %d cards reviewed\n",
				finished.ID, finished.ReviewedCount, finished.CardCount)
			return nil
		}),
	}

	session.AddCommand(start, finish)
	return session
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show card counts, today's reviews and the study streak",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			deckIDs, _ := cmd.Flags().GetStringSlice("deck")
			stats, err := a.service.Stats(ctx, deckIDs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"cards:    %d (new %d, learning %d, due %d)\nreviews:  %d today, %d total\nstreak:   %d days\nstudied:  %s\n",
				stats.TotalCards, stats.NewCards, stats.LearningCards, stats.DueCards,
				stats.ReviewedToday, stats.TotalReviews, stats.StreakDays, stats.StudyTime.Round(time.Minute))
			return nil
		}),
	}
	cmd.Flags().StringSlice("deck", nil, "Only count cards of these decks")
	return cmd
}
