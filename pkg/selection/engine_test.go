package selection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/internal/testutil"
	"github.com/smith3v/flashsync/pkg/srs"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func noShuffle(int, func(i, j int)) {}

func reverseShuffle(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func newTestEngine(t *testing.T, store *db.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithShuffle(noShuffle), WithLocation(time.UTC)}, opts...)
	return NewEngine(store, opts...)
}

func seedCard(t *testing.T, store *db.Store, deckID, question string, events ...srs.Event) db.Card {
	t.Helper()
	ctx := context.Background()
	card, err := store.CreateCard(ctx, deckID, question, question)
	if err != nil {
		t.Fatalf("failed to create card: %v", err)
	}
	for _, event := range events {
		if _, err := store.AppendReviewEvent(ctx, card.ID, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}
	return card
}

func dueEvent(reviewedAt, dueAt time.Time) srs.Event {
	return srs.Event{Rating: srs.Good, IntervalMinutes: dueAt.Sub(reviewedAt).Minutes(), Ease: 2.5, ReviewedAt: reviewedAt, NextDueAt: dueAt}
}

func questions(cards []db.Card) []string {
	out := make([]string, 0, len(cards))
	for _, card := range cards {
		out = append(out, card.Question)
	}
	return out
}

func assertQuestions(t *testing.T, cards []db.Card, want ...string) {
	t.Helper()
	got := questions(cards)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestNormalModeNewBlockThenDueBlock(t *testing.T) {
	store := testutil.SetupTestStore(t)
	deck, err := store.CreateDeck(context.Background(), "Deck")
	if err != nil {
		t.Fatalf("failed to create deck: %v", err)
	}
	yesterday := testNow.AddDate(0, 0, -1)

	seedCard(t, store, deck.ID, "due-1", dueEvent(yesterday, testNow.Add(-time.Hour)))
	seedCard(t, store, deck.ID, "new-1")
	seedCard(t, store, deck.ID, "due-2", dueEvent(yesterday, testNow.Add(-time.Minute)))
	seedCard(t, store, deck.ID, "new-2")
	seedCard(t, store, deck.ID, "future", dueEvent(yesterday, testNow.Add(time.Hour)))

	settings := Settings{MaxNewPerDay: 10, MaxReviewPerDay: 10, Mode: ModeNormal}

	cards, err := newTestEngine(t, store).SelectSession(context.Background(), settings, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "new-1", "new-2", "due-1", "due-2")

	// Each block is shuffled on its own, so new cards stay in front.
	cards, err = newTestEngine(t, store, WithShuffle(reverseShuffle)).SelectSession(context.Background(), settings, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "new-2", "new-1", "due-2", "due-1")
}

func TestNormalModeIncludesLearningCards(t *testing.T) {
	store := testutil.SetupTestStore(t)
	deck, _ := store.CreateDeck(context.Background(), "Deck")

	first := srs.ComputeNext(nil, srs.Good, testNow.Add(-time.Hour))
	seedCard(t, store, deck.ID, "learning", first)

	cards, err := newTestEngine(t, store).SelectSession(context.Background(), Settings{MaxNewPerDay: 5, MaxReviewPerDay: 5}, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "learning")
}

func TestNormalModeDailyCaps(t *testing.T) {
	store := testutil.SetupTestStore(t)
	deck, _ := store.CreateDeck(context.Background(), "Deck")
	morning := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	lastWeek := testNow.AddDate(0, 0, -7)

	// introduced this morning, due again already: uses one new slot and, once
	// reviewed a second time, one review slot
	seedCard(t, store, deck.ID, "introduced",
		dueEvent(morning, morning.Add(time.Minute)),
		dueEvent(morning.Add(time.Minute), morning.Add(2*time.Minute)),
	)
	seedCard(t, store, deck.ID, "new-1")
	seedCard(t, store, deck.ID, "new-2")
	seedCard(t, store, deck.ID, "new-3")
	seedCard(t, store, deck.ID, "due-1", dueEvent(lastWeek, testNow.Add(-time.Hour)))
	seedCard(t, store, deck.ID, "due-2", dueEvent(lastWeek, testNow.Add(-time.Hour)))

	settings := Settings{MaxNewPerDay: 3, MaxReviewPerDay: 2}
	cards, err := newTestEngine(t, store).SelectSession(context.Background(), settings, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "new-1", "new-2", "introduced")

	settings = Settings{MaxNewPerDay: 0, MaxReviewPerDay: 10}
	cards, err = newTestEngine(t, store).SelectSession(context.Background(), settings, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "introduced", "due-1", "due-2")

	settings = Settings{MaxNewPerDay: 10, MaxReviewPerDay: 10, SessionLimit: 2}
	cards, err = newTestEngine(t, store).SelectSession(context.Background(), settings, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "new-1", "new-2")
}

func TestExpiredTemporarySilenceIsSelectedWithoutWrite(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ctx := context.Background()
	deck, _ := store.CreateDeck(ctx, "Deck")
	seedCard(t, store, deck.ID, "card")

	until := testNow.Add(-time.Second)
	if _, err := store.SetSilence(ctx, deck.ID, db.SilenceTemporary, &until); err != nil {
		t.Fatalf("failed to silence deck: %v", err)
	}

	cards, err := newTestEngine(t, store).SelectSession(ctx, Settings{Mode: ModeCram}, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "card")

	stored, err := store.GetDeck(ctx, deck.ID)
	if err != nil {
		t.Fatalf("GetDeck failed: %v", err)
	}
	if stored.Silence != db.SilenceTemporary {
		t.Fatalf("expected selection without sweep to leave the row alone, got %s", stored.Silence)
	}

	cards, err = newTestEngine(t, store).SelectSession(ctx, Settings{Mode: ModeCram}, Scope{}, until.Add(-time.Minute))
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("expected silenced deck to be excluded before its end, got %v", questions(cards))
	}
}

func TestSweeperClearsExpiredSilences(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ctx := context.Background()
	deck, _ := store.CreateDeck(ctx, "Deck")
	seedCard(t, store, deck.ID, "card")
	until := testNow.Add(-time.Second)
	if _, err := store.SetSilence(ctx, deck.ID, db.SilenceTemporary, &until); err != nil {
		t.Fatalf("failed to silence deck: %v", err)
	}

	engine := newTestEngine(t, store, WithSweeper(store))
	if _, err := engine.SelectSession(ctx, Settings{Mode: ModeCram}, Scope{}, testNow); err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	stored, err := store.GetDeck(ctx, deck.ID)
	if err != nil {
		t.Fatalf("GetDeck failed: %v", err)
	}
	if stored.Silence != db.SilenceNone {
		t.Fatalf("expected sweep to clear the silence, got %s", stored.Silence)
	}
}

func TestPracticeModeUnion(t *testing.T) {
	store := testutil.SetupTestStore(t)
	deck, _ := store.CreateDeck(context.Background(), "Deck")

	seedCard(t, store, deck.ID, "due", dueEvent(testNow.AddDate(0, 0, -10), testNow.Add(-time.Hour)))
	seedCard(t, store, deck.ID, "new")
	seedCard(t, store, deck.ID, "recent", dueEvent(testNow.AddDate(0, 0, -2), testNow.AddDate(0, 0, 5)))
	seedCard(t, store, deck.ID, "recent-and-due", dueEvent(testNow.AddDate(0, 0, -1), testNow.Add(-time.Minute)))
	seedCard(t, store, deck.ID, "stale", dueEvent(testNow.AddDate(0, 0, -10), testNow.AddDate(0, 0, 10)))

	cards, err := newTestEngine(t, store).SelectSession(context.Background(), Settings{Mode: ModePractice}, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "due", "recent-and-due", "new", "recent")
}

func TestCramModeReturnsEverything(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ctx := context.Background()
	deck, _ := store.CreateDeck(ctx, "Deck")
	other, _ := store.CreateDeck(ctx, "Other")

	seedCard(t, store, deck.ID, "a")
	seedCard(t, store, deck.ID, "b", dueEvent(testNow, testNow.AddDate(0, 1, 0)))
	seedCard(t, store, other.ID, "c")

	cards, err := newTestEngine(t, store).SelectSession(ctx, Settings{Mode: ModeCram}, Scope{}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "a", "b", "c")

	cards, err = newTestEngine(t, store).SelectSession(ctx, Settings{Mode: ModeCram}, Scope{DeckIDs: []string{other.ID}}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "c")
}

func TestDeckScopedSelectionCanBypassSilence(t *testing.T) {
	store := testutil.SetupTestStore(t)
	ctx := context.Background()
	deck, _ := store.CreateDeck(ctx, "Deck")
	seedCard(t, store, deck.ID, "card")
	if _, err := store.SetSilence(ctx, deck.ID, db.SilencePermanent, nil); err != nil {
		t.Fatalf("failed to silence deck: %v", err)
	}
	settings := Settings{Mode: ModeNormal, MaxNewPerDay: 5}

	cards, err := newTestEngine(t, store).SelectSession(ctx, settings, Scope{DeckIDs: []string{deck.ID}}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("expected silenced deck to stay excluded, got %v", questions(cards))
	}

	cards, err = newTestEngine(t, store).SelectSession(ctx, settings, Scope{DeckIDs: []string{deck.ID}, BypassSilence: true}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	assertQuestions(t, cards, "card")

	cards, err = newTestEngine(t, store).SelectSession(ctx, settings, Scope{BypassSilence: true}, testNow)
	if err != nil {
		t.Fatalf("SelectSession failed: %v", err)
	}
	if len(cards) != 0 {
		t.Fatalf("expected bypass without explicit decks to be ignored, got %v", questions(cards))
	}
}

func TestEmptySelectionIsNotAnError(t *testing.T) {
	store := testutil.SetupTestStore(t)
	for _, mode := range []Mode{ModeNormal, ModePractice, ModeCram} {
		cards, err := newTestEngine(t, store).SelectSession(context.Background(), Settings{Mode: mode, MaxNewPerDay: 5, MaxReviewPerDay: 5}, Scope{}, testNow)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", mode, err)
		}
		if cards == nil || len(cards) != 0 {
			t.Fatalf("%s: expected non-nil empty slice, got %#v", mode, cards)
		}
	}
}

type failingSource struct {
	Source
	err error
}

func (f failingSource) CountBy(context.Context, db.Predicate) (int64, error) {
	return 0, f.err
}

func (f failingSource) FetchAll(context.Context, db.DeckFilter, int) ([]db.Card, error) {
	return nil, f.err
}

func TestSelectionSurfacesStoreErrors(t *testing.T) {
	boom := &db.StoreUnavailableError{Op: "count", Err: errors.New("disk gone")}
	engine := NewEngine(failingSource{err: boom})

	if _, err := engine.SelectSession(context.Background(), Settings{MaxNewPerDay: 1}, Scope{}, testNow); !db.IsUnavailable(err) {
		t.Fatalf("expected store error, got %v", err)
	}
	if _, err := engine.SelectSession(context.Background(), Settings{Mode: ModeCram}, Scope{}, testNow); !db.IsUnavailable(err) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestParseMode(t *testing.T) {
	if mode, err := ParseMode(" Practice "); err != nil || mode != ModePractice {
		t.Fatalf("expected practice, got %s, %v", mode, err)
	}
	if mode, err := ParseMode(""); err != nil || mode != ModeNormal {
		t.Fatalf("expected normal default, got %s, %v", mode, err)
	}
	if _, err := ParseMode("speedrun"); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}
