package srs

import (
	"math"
	"time"
)

// Summary is the projection of a review history. It is never persisted.
type Summary struct {
	State           State
	Step            int
	Ease            float64
	IntervalMinutes float64
	Reps            int
	Lapses          int
	LastRating      Rating
	LastReviewedAt  time.Time
	NextDueAt       time.Time
}

// Fold replays history in order and returns the derived summary. The state
// depends on the last event only; earlier lapses show up in Lapses.
func Fold(history []Event) Summary {
	summary := Summary{
		State: StateNew,
		Ease:  DefaultEase,
	}

	for _, event := range history {
		if event.Rating == Again && summary.State == StateReview {
			summary.Lapses++
		}

		summary.Reps++
		summary.LastRating = event.Rating
		summary.IntervalMinutes = event.IntervalMinutes
		summary.LastReviewedAt = event.ReviewedAt
		summary.NextDueAt = event.NextDueAt
		if event.Ease > 0 {
			summary.Ease = event.Ease
		}

		switch {
		case event.IntervalMinutes >= Day.Minutes() && event.Rating == Again:
			summary.State = StateRelearning
		case event.IntervalMinutes >= Day.Minutes():
			summary.State = StateReview
		default:
			summary.State = StateLearning
		}
		summary.Step = stepFor(event.IntervalMinutes)
	}

	return summary
}

// DeriveState returns the card state for the given history.
func DeriveState(history []Event) State {
	return Fold(history).State
}

// Due reports whether a reviewed card is due at now. New cards are never due;
// they are selected as new cards instead.
func (s Summary) Due(now time.Time) bool {
	return s.State != StateNew && !s.NextDueAt.After(now)
}

// stepFor maps an interval back onto the ladder: the highest rung not longer
// than the interval.
func stepFor(minutes float64) int {
	step := 0
	for i, rung := range LearningSteps {
		if rung.Minutes() <= minutes+1e-9 {
			step = i
		}
	}
	return step
}

// Equal compares two summaries with a tolerance on the float fields.
func (s Summary) Equal(other Summary) bool {
	const eps = 1e-9
	return s.State == other.State &&
		s.Step == other.Step &&
		s.Reps == other.Reps &&
		s.Lapses == other.Lapses &&
		s.LastRating == other.LastRating &&
		math.Abs(s.Ease-other.Ease) < eps &&
		math.Abs(s.IntervalMinutes-other.IntervalMinutes) < eps &&
		s.LastReviewedAt.Equal(other.LastReviewedAt) &&
		s.NextDueAt.Equal(other.NextDueAt)
}
