// pkg/db/models.go
package db

import (
	"time"

	"github.com/smith3v/flashsync/pkg/srs"
	"gorm.io/datatypes"
)

type Silence string

const (
	SilenceNone      Silence = "none"
	SilencePermanent Silence = "permanent"
	SilenceTemporary Silence = "temporary"
)

type SyncKind string

const (
	KindCreate SyncKind = "create"
	KindUpdate SyncKind = "update"
	KindDelete SyncKind = "delete"
	KindReview SyncKind = "review"
)

type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Entity types carried by sync operations.
const (
	EntityDeck         = "deck"
	EntityCard         = "card"
	EntityReviewEvent  = "review_event"
	EntityStudySession = "study_session"
	EntityUserStats    = "user_stats"
)

// UserStatsID is the entity id of the single user statistics record.
const UserStatsID = "self"

type Deck struct {
	ID            string  `gorm:"primaryKey;size:36"`
	Name          string  `gorm:"not null"`
	Silence       Silence `gorm:"not null;default:none;size:16"`
	SilencedUntil *time.Time
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time
}

// SilencedAt reports whether the deck suppresses its cards at now. A temporary
// silence that has ended counts as no silence even if the row still says so.
func (d Deck) SilencedAt(now time.Time) bool {
	switch d.Silence {
	case SilencePermanent:
		return true
	case SilenceTemporary:
		return d.SilencedUntil != nil && now.Before(*d.SilencedUntil)
	default:
		return false
	}
}

type Card struct {
	ID        string    `gorm:"primaryKey;size:36"`
	DeckID    string    `gorm:"not null;index;size:36"`
	Question  string    `gorm:"not null"`
	Answer    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time
	Events    []ReviewEvent `gorm:"foreignKey:CardID;references:ID"`
}

// History converts the preloaded events into scheduler events, oldest first.
func (c Card) History() []srs.Event {
	history := make([]srs.Event, 0, len(c.Events))
	for _, event := range c.Events {
		history = append(history, event.Event())
	}
	return history
}

func (c Card) Summary() srs.Summary {
	return srs.Fold(c.History())
}

// ReviewEvent rows are append-only. ID defines chronological order, EventID is
// the identity used when the event is delivered to the remote.
type ReviewEvent struct {
	ID              uint      `gorm:"primaryKey"`
	EventID         string    `gorm:"not null;uniqueIndex;size:36"`
	CardID          string    `gorm:"not null;index;size:36"`
	Rating          string    `gorm:"not null;size:8"`
	IntervalMinutes float64   `gorm:"not null"`
	Ease            float64   `gorm:"not null"`
	ReviewedAt      time.Time `gorm:"not null;index"`
	NextDueAt       time.Time `gorm:"not null;index"`
}

func (e ReviewEvent) Event() srs.Event {
	return srs.Event{
		Rating:          srs.Rating(e.Rating),
		IntervalMinutes: e.IntervalMinutes,
		Ease:            e.Ease,
		ReviewedAt:      e.ReviewedAt,
		NextDueAt:       e.NextDueAt,
	}
}

type SyncOperation struct {
	ID            uint     `gorm:"primaryKey"`
	EntityType    string   `gorm:"not null;size:32"`
	EntityID      string   `gorm:"not null;size:64"`
	Kind          SyncKind `gorm:"not null;size:16"`
	Payload       datatypes.JSON
	Priority      int        `gorm:"not null;default:0"`
	RetryCount    int        `gorm:"not null;default:0"`
	Revision      int        `gorm:"not null;default:0"`
	Status        SyncStatus `gorm:"not null;default:pending;size:16;index"`
	LastError     string
	NextAttemptAt *time.Time
	CreatedAt     time.Time `gorm:"not null;index"`
	UpdatedAt     time.Time
	SyncedAt      *time.Time
}

type StudySession struct {
	ID            string         `gorm:"primaryKey;size:36"`
	Mode          string         `gorm:"not null;size:16"`
	DeckIDs       datatypes.JSON `gorm:"not null"`
	CardCount     int            `gorm:"not null;default:0"`
	ReviewedCount int            `gorm:"not null;default:0"`
	StartedAt     time.Time      `gorm:"not null"`
	FinishedAt    *time.Time
}
