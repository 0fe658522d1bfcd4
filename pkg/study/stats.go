package study

import (
	"context"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/syncqueue"
)

// Stats summarises the collection and the study history.
type Stats struct {
	TotalCards    int64
	NewCards      int64
	LearningCards int64
	DueCards      int64
	ReviewedToday int64
	TotalReviews  int64
	StreakDays    int
	StudyTime     time.Duration
}

// Stats counts cards and reviews. An empty deckIDs covers every deck; the
// streak and study time always cover the whole history.
func (s *Service) Stats(ctx context.Context, deckIDs []string) (Stats, error) {
	return s.stats(ctx, s.store, deckIDs)
}

func (s *Service) stats(ctx context.Context, store *db.Store, deckIDs []string) (Stats, error) {
	now := s.now()
	today := startOfDay(now, s.location)

	var stats Stats
	counts := []struct {
		dst *int64
		p   db.Predicate
	}{
		{&stats.TotalCards, db.Cards(deckIDs)},
		{&stats.NewCards, db.NewCards(deckIDs)},
		{&stats.LearningCards, db.LearningCards(deckIDs)},
		{&stats.DueCards, db.DueCards(now, deckIDs)},
		{&stats.ReviewedToday, db.ReviewEventsSince(today, deckIDs)},
		{&stats.TotalReviews, db.ReviewEventsSince(time.Time{}, deckIDs)},
	}
	for _, c := range counts {
		n, err := store.CountBy(ctx, c.p)
		if err != nil {
			return Stats{}, err
		}
		*c.dst = n
	}

	times, err := store.ReviewTimes(ctx, today.AddDate(0, 0, -maxStreakDays))
	if err != nil {
		return Stats{}, err
	}
	stats.StreakDays = streak(times, today, s.location)

	if stats.StudyTime, err = store.StudyTime(ctx); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

const maxStreakDays = 366

// streak counts consecutive calendar days with at least one review, ending
// today. A streak that ended yesterday still counts until today is over.
func streak(times []time.Time, today time.Time, loc *time.Location) int {
	days := map[time.Time]struct{}{}
	for _, t := range times {
		days[startOfDay(t, loc)] = struct{}{}
	}

	day := today
	if _, ok := days[day]; !ok {
		day = day.AddDate(0, 0, -1)
	}
	count := 0
	for {
		if _, ok := days[day]; !ok {
			return count
		}
		count++
		day = day.AddDate(0, 0, -1)
	}
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

func userStatsRequest(stats Stats, now time.Time) syncqueue.EnqueueRequest {
	return syncqueue.EnqueueRequest{
		EntityType: db.EntityUserStats,
		EntityID:   db.UserStatsID,
		Kind:       db.KindUpdate,
		Payload: userStatsPayload{
			TotalCardsReviewed:    stats.TotalReviews,
			CurrentStreakDays:     stats.StreakDays,
			TotalStudyTimeMinutes: int64(stats.StudyTime / time.Minute),
			UpdatedAt:             now,
		},
		Coalesce: true,
	}
}
