package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/importexport"
	"github.com/smith3v/flashsync/pkg/srs"
	"github.com/smith3v/flashsync/pkg/study"
	"github.com/spf13/cobra"
)

func newDeckCmd() *cobra.Command {
	deck := &cobra.Command{
		Use:   "deck",
		Short: "Manage decks",
	}

	deck.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List decks",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			decks, err := a.service.ListDecks(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSILENCED")
			for _, d := range decks {
				fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Name, describeSilence(d, now))
			}
			return w.Flush()
		}),
	})

	deck.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a deck",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			created, err := a.service.CreateDeck(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		}),
	})

	deck.AddCommand(&cobra.Command{
		Use:   "rename <deck-id> <name>",
		Short: "Rename a deck",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			_, err := a.service.RenameDeck(ctx, args[0], strings.Join(args[1:], " "))
			return err
		}),
	})

	silence := &cobra.Command{
		Use:   "silence <deck-id>",
		Short: "Hide a deck from sessions, for good or for --for",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			duration, _ := cmd.Flags().GetDuration("for")
			var until *time.Time
			if duration > 0 {
				end := time.Now().Add(duration)
				until = &end
			}
			updated, err := a.service.SilenceDeck(ctx, args[0], until)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", updated.Name, describeSilence(updated, time.Now()))
			return nil
		}),
	}
	silence.Flags().Duration("for", 0, "Silence only for this long (e.g. 72h)")
	deck.AddCommand(silence)

	deck.AddCommand(&cobra.Command{
		Use:   "unsilence <deck-id>",
		Short: "Bring a silenced deck back",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			_, err := a.service.UnsilenceDeck(ctx, args[0])
			return err
		}),
	})

	deck.AddCommand(&cobra.Command{
		Use:   "delete <deck-id>",
		Short: "Delete a deck with its cards and their history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			removed, err := a.service.DeleteDeck(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted deck with %d cards\n", len(removed.CardIDs))
			return nil
		}),
	})

	return deck
}

func describeSilence(d db.Deck, now time.Time) string {
	if !d.SilencedAt(now) {
		return "no"
	}
	if d.Silence == db.SilenceTemporary && d.SilencedUntil != nil {
		return "until " + d.SilencedUntil.Local().Format(time.DateTime)
	}
	return "yes"
}

func newCardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage cards",
	}

	card.AddCommand(&cobra.Command{
		Use:   "add <deck-id> <question> <answer>",
		Short: "Add a card to a deck",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			created, err := a.service.AddCard(ctx, args[0], study.CardInput{Question: args[1], Answer: args[2]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), created.ID)
			return nil
		}),
	})

	card.AddCommand(&cobra.Command{
		Use:   "edit <card-id> <question> <answer>",
		Short: "Change a card",
		Args:  cobra.ExactArgs(3),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			_, err := a.service.EditCard(ctx, args[0], study.CardInput{Question: args[1], Answer: args[2]})
			return err
		}),
	})

	card.AddCommand(&cobra.Command{
		Use:   "delete <card-id>",
		Short: "Delete a card and its history",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			return a.service.DeleteCard(ctx, args[0])
		}),
	})

	card.AddCommand(&cobra.Command{
		Use:   "show <card-id>",
		Short: "Show a card with its derived review state",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			c, summary, err := a.service.Card(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "question: %s\nanswer:   %s\nstate:    %s\n", c.Question, c.Answer, summary.State)
			if summary.State != srs.StateNew {
				due := summary.NextDueAt.Local().Format(time.DateTime)
				if summary.Due(time.Now()) {
					due = "now (since " + due + ")"
				}
				fmt.Fprintf(out, "ease:     %.2f\nreviews:  %d (lapses %d)\ndue:      %s\n",
					summary.Ease, summary.Reps, summary.Lapses, due)
			}
			return nil
		}),
	})

	return card
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <deck-id> <file.csv>",
		Short: "Import question/answer rows into a deck",
		Args:  cobra.ExactArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			result, err := importexport.Import(ctx, a.service, args[0], data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d new cards, updated %d cards, skipped %d rows.\n",
				result.Inserted, result.Updated, result.Skipped)
			return nil
		}),
	}
}

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <deck-id>",
		Short: "Export a deck as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			deck, err := a.store.GetDeck(ctx, args[0])
			if err != nil {
				return err
			}
			cards, err := a.service.DeckCards(ctx, deck.ID)
			if err != nil {
				return err
			}
			data, err := importexport.BuildExportCSV(cards)
			if err != nil {
				return err
			}
			dir, _ := cmd.Flags().GetString("dir")
			path := filepath.Join(dir, importexport.ExportFilename(deck.Name, time.Now()))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported %d cards to %s\n", len(cards), path)
			return nil
		}),
	}
	cmd.Flags().String("dir", ".", "Directory to write the CSV file to")
	return cmd
}
