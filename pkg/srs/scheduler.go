package srs

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Rating string

const (
	Again Rating = "again"
	Hard  Rating = "hard"
	Good  Rating = "good"
	Easy  Rating = "easy"
)

type State string

const (
	StateNew        State = "new"
	StateLearning   State = "learning"
	StateReview     State = "review"
	StateRelearning State = "relearning"
)

const (
	DefaultEase = 2.5
	EaseFloor   = 1.3

	Day = 24 * time.Hour

	GraduatingInterval = Day
	EasyInterval       = 4 * Day
)

var ErrInvalidRating = errors.New("srs: invalid rating")

// LearningSteps is the ladder used by new, learning and relearning cards.
var LearningSteps = []time.Duration{
	time.Minute,
	10 * time.Minute,
}

// Event is one immutable entry of a card's review history.
type Event struct {
	Rating          Rating
	IntervalMinutes float64
	Ease            float64
	ReviewedAt      time.Time
	NextDueAt       time.Time
}

func (r Rating) Valid() bool {
	switch r {
	case Again, Hard, Good, Easy:
		return true
	default:
		return false
	}
}

func ParseRating(value string) (Rating, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "again", "1":
		return Again, nil
	case "hard", "2":
		return Hard, nil
	case "good", "3":
		return Good, nil
	case "easy", "4":
		return Easy, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRating, value)
	}
}

// ComputeNext returns the event produced by rating a card with the given
// history at now. The history is not modified. Callers must reject invalid
// ratings first; an invalid rating is treated as Hard.
func ComputeNext(history []Event, rating Rating, now time.Time) Event {
	summary := Fold(history)

	var interval time.Duration
	ease := summary.Ease

	switch summary.State {
	case StateReview:
		interval, ease = reviewStep(summary, rating)
	default:
		interval = ladderStep(summary.Step, rating)
	}

	return Event{
		Rating:          rating,
		IntervalMinutes: interval.Minutes(),
		Ease:            ease,
		ReviewedAt:      now,
		NextDueAt:       now.Add(interval),
	}
}

func ladderStep(step int, rating Rating) time.Duration {
	switch rating {
	case Again:
		return LearningSteps[0]
	case Good:
		next := clampStep(step) + 1
		if next >= len(LearningSteps) {
			return GraduatingInterval
		}
		return LearningSteps[next]
	case Easy:
		return EasyInterval
	default:
		return LearningSteps[clampStep(step)]
	}
}

func reviewStep(summary Summary, rating Rating) (time.Duration, float64) {
	prev := summary.IntervalMinutes
	ease := summary.Ease

	switch rating {
	case Again:
		return LearningSteps[0], maxEase(ease - 0.2)
	case Good:
		return atLeastOneDay(prev * ease), ease
	case Easy:
		return atLeastOneDay(prev * ease * 1.3), ease + 0.15
	default:
		return atLeastOneDay(prev * 1.2), maxEase(ease - 0.15)
	}
}

func atLeastOneDay(minutes float64) time.Duration {
	return minutesToDuration(math.Max(Day.Minutes(), minutes))
}

func minutesToDuration(minutes float64) time.Duration {
	return time.Duration(minutes * float64(time.Minute))
}

func clampStep(step int) int {
	if step < 0 {
		return 0
	}
	if step >= len(LearningSteps) {
		return len(LearningSteps) - 1
	}
	return step
}

func maxEase(ease float64) float64 {
	if ease < EaseFloor {
		return EaseFloor
	}
	return ease
}
