package srs

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

func reviewHistory(now time.Time, intervalDays, ease float64) []Event {
	reviewedAt := now.Add(-time.Duration(intervalDays * float64(Day)))
	return []Event{{
		Rating:          Good,
		IntervalMinutes: intervalDays * Day.Minutes(),
		Ease:            ease,
		ReviewedAt:      reviewedAt,
		NextDueAt:       now,
	}}
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestComputeNextNewCardGood(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	event := ComputeNext(nil, Good, now)
	if !approx(event.IntervalMinutes, 10) {
		t.Fatalf("expected 10 minute interval, got %v", event.IntervalMinutes)
	}
	if event.Ease != DefaultEase {
		t.Fatalf("expected default ease, got %v", event.Ease)
	}
	if !event.NextDueAt.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("expected due in 10m, got %v", event.NextDueAt)
	}
	if !event.ReviewedAt.Equal(now) {
		t.Fatalf("expected reviewed at now, got %v", event.ReviewedAt)
	}
}

func TestComputeNextLearningLadder(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	var history []Event

	history = append(history, ComputeNext(history, Again, now))
	if !approx(history[0].IntervalMinutes, 1) {
		t.Fatalf("expected again to restart at 1m, got %v", history[0].IntervalMinutes)
	}
	if DeriveState(history) != StateLearning {
		t.Fatalf("expected learning, got %s", DeriveState(history))
	}

	history = append(history, ComputeNext(history, Hard, now))
	if !approx(history[1].IntervalMinutes, 1) {
		t.Fatalf("expected hard to repeat 1m, got %v", history[1].IntervalMinutes)
	}

	history = append(history, ComputeNext(history, Good, now))
	if !approx(history[2].IntervalMinutes, 10) {
		t.Fatalf("expected good to advance to 10m, got %v", history[2].IntervalMinutes)
	}

	history = append(history, ComputeNext(history, Hard, now))
	if !approx(history[3].IntervalMinutes, 10) {
		t.Fatalf("expected hard to repeat last rung, got %v", history[3].IntervalMinutes)
	}

	history = append(history, ComputeNext(history, Good, now))
	if !approx(history[4].IntervalMinutes, Day.Minutes()) {
		t.Fatalf("expected graduation to 1d, got %v", history[4].IntervalMinutes)
	}
	if history[4].Ease != DefaultEase {
		t.Fatalf("expected ease carried over, got %v", history[4].Ease)
	}
	if DeriveState(history) != StateReview {
		t.Fatalf("expected review after graduation, got %s", DeriveState(history))
	}
}

func TestComputeNextEasySkipsLadder(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	event := ComputeNext(nil, Easy, now)
	if !approx(event.IntervalMinutes, 4*Day.Minutes()) {
		t.Fatalf("expected 4d interval, got %v", event.IntervalMinutes)
	}
	if !event.NextDueAt.Equal(now.Add(4 * Day)) {
		t.Fatalf("expected due in 4d, got %v", event.NextDueAt)
	}
}

func TestComputeNextReviewGood(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	event := ComputeNext(reviewHistory(now, 6, 2.5), Good, now)
	if !approx(event.IntervalMinutes, 15*Day.Minutes()) {
		t.Fatalf("expected 15d interval, got %v minutes", event.IntervalMinutes)
	}
	if event.Ease != 2.5 {
		t.Fatalf("expected ease 2.5, got %v", event.Ease)
	}
	if !event.NextDueAt.Equal(now.Add(15 * Day)) {
		t.Fatalf("expected due in 15d, got %v", event.NextDueAt)
	}
}

func TestComputeNextReviewTransitions(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	history := reviewHistory(now, 10, 2.5)

	hard := ComputeNext(history, Hard, now)
	if !approx(hard.IntervalMinutes, 12*Day.Minutes()) {
		t.Fatalf("expected hard interval 12d, got %v", hard.IntervalMinutes)
	}
	if !approx(hard.Ease, 2.35) {
		t.Fatalf("expected ease 2.35, got %v", hard.Ease)
	}

	easy := ComputeNext(history, Easy, now)
	if !approx(easy.IntervalMinutes, 32.5*Day.Minutes()) {
		t.Fatalf("expected easy interval 32.5d, got %v", easy.IntervalMinutes)
	}
	if !approx(easy.Ease, 2.65) {
		t.Fatalf("expected ease 2.65, got %v", easy.Ease)
	}

	again := ComputeNext(history, Again, now)
	if !approx(again.IntervalMinutes, 1) {
		t.Fatalf("expected again to drop to 1m, got %v", again.IntervalMinutes)
	}
	if !approx(again.Ease, 2.3) {
		t.Fatalf("expected ease 2.3, got %v", again.Ease)
	}

	lapsed := append(append([]Event(nil), history...), again)
	summary := Fold(lapsed)
	if summary.State != StateLearning {
		t.Fatalf("expected a lapse to re-enter learning, got %s", summary.State)
	}
	if summary.Lapses != 1 {
		t.Fatalf("expected one lapse, got %d", summary.Lapses)
	}

	relearn := ComputeNext(lapsed, Good, now)
	if !approx(relearn.IntervalMinutes, 10) {
		t.Fatalf("expected relearning to climb the ladder, got %v", relearn.IntervalMinutes)
	}
	if !approx(relearn.Ease, 2.3) {
		t.Fatalf("expected relearning to keep ease, got %v", relearn.Ease)
	}
}

func TestComputeNextReviewHardFloorsAtOneDay(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	history := []Event{{Rating: Easy, IntervalMinutes: Day.Minutes(), Ease: 1.3, ReviewedAt: now, NextDueAt: now}}

	event := ComputeNext(history, Hard, now)
	if event.IntervalMinutes < Day.Minutes()*1.2-1e-6 {
		t.Fatalf("expected at least 1.2d, got %v", event.IntervalMinutes)
	}
	if event.Ease != EaseFloor {
		t.Fatalf("expected ease at floor, got %v", event.Ease)
	}
}

func TestAgainInReviewAlwaysDropsBelowOneDay(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	for _, days := range []float64{1, 3, 30, 365, 3650} {
		event := ComputeNext(reviewHistory(now, days, 2.5), Again, now)
		if event.IntervalMinutes >= Day.Minutes() {
			t.Fatalf("expected again after %vd to drop below 1d, got %v", days, event.IntervalMinutes)
		}
	}
}

func TestEaseNeverFallsBelowFloor(t *testing.T) {
	ratings := []Rating{Again, Hard, Good, Easy}
	rng := rand.New(rand.NewSource(42))
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	for run := 0; run < 50; run++ {
		var history []Event
		for i := 0; i < 200; i++ {
			rating := ratings[rng.Intn(len(ratings))]
			if rng.Intn(3) > 0 {
				rating = Again
			}
			event := ComputeNext(history, rating, now)
			if event.Ease < EaseFloor {
				t.Fatalf("ease fell below floor: %v after %d reviews", event.Ease, i+1)
			}
			history = append(history, event)
			now = event.NextDueAt
		}
	}
}

func TestComputeNextDoesNotMutateHistory(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	history := reviewHistory(now, 6, 2.5)
	before := history[0]

	ComputeNext(history, Again, now)
	if history[0] != before {
		t.Fatalf("history was modified: %+v", history[0])
	}
}

func TestIdenticalHistoriesDeriveIdenticalState(t *testing.T) {
	ratings := []Rating{Again, Hard, Good, Easy}
	rng := rand.New(rand.NewSource(7))
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

	var history []Event
	for i := 0; i < 40; i++ {
		history = append(history, ComputeNext(history, ratings[rng.Intn(len(ratings))], now))
		now = now.Add(2 * Day)

		copied := append([]Event(nil), history...)
		if !Fold(history).Equal(Fold(copied)) {
			t.Fatalf("identical histories folded differently at step %d", i)
		}
	}
}

func TestDeriveStateFromLastEvent(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	event := func(rating Rating, interval time.Duration) Event {
		return Event{Rating: rating, IntervalMinutes: interval.Minutes(), Ease: DefaultEase, ReviewedAt: now, NextDueAt: now.Add(interval)}
	}

	cases := []struct {
		name    string
		history []Event
		want    State
	}{
		{"no events", nil, StateNew},
		{"short interval", []Event{event(Good, 10 * time.Minute)}, StateLearning},
		{"graduated", []Event{event(Good, 10 * time.Minute), event(Good, Day)}, StateReview},
		{"lapse back to first rung", []Event{event(Good, 6 * Day), event(Again, time.Minute)}, StateLearning},
		{"again with a day interval", []Event{event(Good, 6 * Day), event(Again, 2 * Day)}, StateRelearning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveState(tc.history); got != tc.want {
				t.Fatalf("DeriveState = %s, want %s", got, tc.want)
			}
		})
	}

	lapsed := ComputeNext([]Event{event(Good, 6 * Day)}, Again, now)
	summary := Fold([]Event{event(Good, 6 * Day), lapsed})
	if summary.State != StateLearning || summary.Lapses != 1 {
		t.Fatalf("expected learning with one lapse, got %s with %d lapses", summary.State, summary.Lapses)
	}
}

func TestParseRating(t *testing.T) {
	cases := map[string]Rating{
		"again": Again,
		"1":     Again,
		" Hard": Hard,
		"GOOD":  Good,
		"4":     Easy,
	}
	for input, want := range cases {
		got, err := ParseRating(input)
		if err != nil {
			t.Fatalf("ParseRating(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("ParseRating(%q) = %s, want %s", input, got, want)
		}
	}

	if _, err := ParseRating("perfect"); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	if Rating("perfect").Valid() {
		t.Fatal("expected unknown rating to be invalid")
	}
}

func TestSummaryDue(t *testing.T) {
	now := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	if Fold(nil).Due(now) {
		t.Fatal("new cards are never due")
	}

	history := []Event{ComputeNext(nil, Good, now)}
	if Fold(history).Due(now) {
		t.Fatal("expected card not due before its next due time")
	}
	if !Fold(history).Due(now.Add(10 * time.Minute)) {
		t.Fatal("expected card due at its next due time")
	}
}
