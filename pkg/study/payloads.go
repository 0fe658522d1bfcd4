package study

import (
	"encoding/json"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/srs"
)

// Wire payloads stored on sync operations and sent to the remote.

type deckPayload struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Silence       db.Silence `json:"silence"`
	SilencedUntil *time.Time `json:"silenced_until,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func newDeckPayload(deck db.Deck) deckPayload {
	return deckPayload{
		ID:            deck.ID,
		Name:          deck.Name,
		Silence:       deck.Silence,
		SilencedUntil: deck.SilencedUntil,
		CreatedAt:     deck.CreatedAt,
		UpdatedAt:     deck.UpdatedAt,
	}
}

type cardPayload struct {
	ID        string    `json:"id"`
	DeckID    string    `json:"deck_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newCardPayload(card db.Card) cardPayload {
	return cardPayload{
		ID:        card.ID,
		DeckID:    card.DeckID,
		Question:  card.Question,
		Answer:    card.Answer,
		CreatedAt: card.CreatedAt,
		UpdatedAt: card.UpdatedAt,
	}
}

type reviewPayload struct {
	EventID         string     `json:"event_id"`
	CardID          string     `json:"card_id"`
	Rating          srs.Rating `json:"rating"`
	IntervalMinutes float64    `json:"interval_minutes"`
	Ease            float64    `json:"ease"`
	ReviewedAt      time.Time  `json:"reviewed_at"`
	NextDueAt       time.Time  `json:"next_due_at"`
}

func newReviewPayload(event db.ReviewEvent) reviewPayload {
	return reviewPayload{
		EventID:         event.EventID,
		CardID:          event.CardID,
		Rating:          srs.Rating(event.Rating),
		IntervalMinutes: event.IntervalMinutes,
		Ease:            event.Ease,
		ReviewedAt:      event.ReviewedAt,
		NextDueAt:       event.NextDueAt,
	}
}

type sessionPayload struct {
	ID            string     `json:"id"`
	Mode          string     `json:"mode"`
	DeckIDs       []string   `json:"deck_ids"`
	CardCount     int        `json:"card_count"`
	ReviewedCount int        `json:"reviewed_count"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func newSessionPayload(session db.StudySession) sessionPayload {
	var deckIDs []string
	if len(session.DeckIDs) > 0 {
		_ = json.Unmarshal(session.DeckIDs, &deckIDs)
	}
	if deckIDs == nil {
		deckIDs = []string{}
	}
	return sessionPayload{
		ID:            session.ID,
		Mode:          session.Mode,
		DeckIDs:       deckIDs,
		CardCount:     session.CardCount,
		ReviewedCount: session.ReviewedCount,
		StartedAt:     session.StartedAt,
		FinishedAt:    session.FinishedAt,
	}
}

type deckRemovalPayload struct {
	ID      string   `json:"id"`
	CardIDs []string `json:"card_ids"`
}

// userStatsPayload mirrors the totals the authority keeps per user. The
// authority keeps the larger of its value and ours.
type userStatsPayload struct {
	TotalCardsReviewed    int64     `json:"total_cards_reviewed"`
	CurrentStreakDays     int       `json:"current_streak_days"`
	TotalStudyTimeMinutes int64     `json:"total_study_time_minutes"`
	UpdatedAt             time.Time `json:"updated_at"`
}
