package study

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/smith3v/flashsync/pkg/config"
	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
	"github.com/smith3v/flashsync/pkg/selection"
	"github.com/smith3v/flashsync/pkg/srs"
	"github.com/smith3v/flashsync/pkg/syncqueue"
	"gorm.io/datatypes"
)

var ErrInvalidInput = errors.New("study: invalid input")

var validate = validator.New()

// CardInput is the user-editable part of a card.
type CardInput struct {
	Question string `validate:"required,max=2000"`
	Answer   string `validate:"required,max=2000"`
}

type deckInput struct {
	Name string `validate:"required,max=200"`
}

func check(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// Service is the API used by the CLI. Every local mutation is committed
// together with its sync operation; delivery happens later in the queue.
type Service struct {
	store    *db.Store
	queue    *syncqueue.Queue
	engine   *selection.Engine
	settings selection.Settings
	now      func() time.Time
	location *time.Location
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = func() time.Time { return now().UTC() }
	}
}

// WithLocation sets the time zone whose calendar days count for streaks.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

func NewService(store *db.Store, queue *syncqueue.Queue, engine *selection.Engine, settings selection.Settings, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    queue,
		engine:   engine,
		settings: settings,
		now:      func() time.Time { return time.Now().UTC() },
		location: time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func SettingsFrom(cfg config.ReviewConfig) (selection.Settings, error) {
	mode, err := selection.ParseMode(cfg.Mode)
	if err != nil {
		return selection.Settings{}, err
	}
	return selection.Settings{
		MaxNewPerDay:    cfg.MaxNewPerDay,
		MaxReviewPerDay: cfg.MaxReviewPerDay,
		SessionLimit:    cfg.SessionLimit,
		Mode:            mode,
	}, nil
}

// mutate runs fn and enqueues the sync operation it describes in one
// transaction, then wakes the queue.
func (s *Service) mutate(ctx context.Context, fn func(tx *db.Store) (syncqueue.EnqueueRequest, error)) error {
	return s.mutateMany(ctx, func(tx *db.Store) ([]syncqueue.EnqueueRequest, error) {
		req, err := fn(tx)
		return []syncqueue.EnqueueRequest{req}, err
	})
}

func (s *Service) mutateMany(ctx context.Context, fn func(tx *db.Store) ([]syncqueue.EnqueueRequest, error)) error {
	err := s.store.Transaction(ctx, func(tx *db.Store) error {
		reqs, err := fn(tx)
		if err != nil {
			return err
		}
		for _, req := range reqs {
			if _, err := syncqueue.EnqueueInto(ctx, tx, req); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.queue.Notify()
	return nil
}

// SubmitReview records a rating for the card and returns when it is due next.
func (s *Service) SubmitReview(ctx context.Context, cardID string, rating srs.Rating) (time.Time, error) {
	if !rating.Valid() {
		return time.Time{}, fmt.Errorf("%w: %q", srs.ErrInvalidRating, rating)
	}
	now := s.now()

	var event db.ReviewEvent
	err := s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		card, err := tx.GetCard(ctx, cardID)
		if err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		event, err = tx.AppendReviewEvent(ctx, card.ID, srs.ComputeNext(card.History(), rating, now))
		if err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		return syncqueue.EnqueueRequest{
			EntityType: db.EntityReviewEvent,
			EntityID:   event.EventID,
			Kind:       db.KindReview,
			Payload:    newReviewPayload(event),
		}, nil
	})
	if err != nil {
		return time.Time{}, err
	}
	logger.Info("review recorded", "card_id", cardID, "rating", rating, "next_due_at", event.NextDueAt)
	return event.NextDueAt, nil
}

type Session struct {
	ID    string
	Mode  selection.Mode
	Cards []db.Card
}

// StartSession selects the working set and records the session. mode
// overrides the configured mode when set.
func (s *Service) StartSession(ctx context.Context, mode selection.Mode, scope selection.Scope) (Session, error) {
	settings := s.settings
	if mode != "" {
		settings.Mode = mode
	}
	if settings.Mode == "" {
		settings.Mode = selection.ModeNormal
	}
	now := s.now()

	cards, err := s.engine.SelectSession(ctx, settings, scope, now)
	if err != nil {
		return Session{}, err
	}

	deckIDs := scope.DeckIDs
	if deckIDs == nil {
		deckIDs = []string{}
	}
	rawDeckIDs, err := json.Marshal(deckIDs)
	if err != nil {
		return Session{}, err
	}
	record := db.StudySession{
		ID:        uuid.NewString(),
		Mode:      string(settings.Mode),
		DeckIDs:   datatypes.JSON(rawDeckIDs),
		CardCount: len(cards),
		StartedAt: now,
	}
	err = s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		if err := tx.CreateStudySession(ctx, &record); err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		return sessionRequest(record, db.KindCreate), nil
	})
	if err != nil {
		return Session{}, err
	}
	logger.Info("study session started", "session_id", record.ID, "mode", settings.Mode, "cards", len(cards))
	return Session{ID: record.ID, Mode: settings.Mode, Cards: cards}, nil
}

// FinishSession closes a session once and syncs the reviewed count together
// with the refreshed user totals.
func (s *Service) FinishSession(ctx context.Context, sessionID string, reviewed int) (db.StudySession, error) {
	var session db.StudySession
	err := s.mutateMany(ctx, func(tx *db.Store) ([]syncqueue.EnqueueRequest, error) {
		var err error
		session, err = tx.FinishStudySession(ctx, sessionID, reviewed)
		if err != nil {
			return nil, err
		}
		stats, err := s.stats(ctx, tx, nil)
		if err != nil {
			return nil, err
		}
		return []syncqueue.EnqueueRequest{
			sessionRequest(session, db.KindUpdate),
			userStatsRequest(stats, s.now()),
		}, nil
	})
	return session, err
}

func sessionRequest(session db.StudySession, kind db.SyncKind) syncqueue.EnqueueRequest {
	return syncqueue.EnqueueRequest{
		EntityType: db.EntityStudySession,
		EntityID:   session.ID,
		Kind:       kind,
		Payload:    newSessionPayload(session),
		Coalesce:   true,
	}
}

func (s *Service) ListDecks(ctx context.Context) ([]db.Deck, error) {
	return s.store.ListDecks(ctx)
}

func (s *Service) CreateDeck(ctx context.Context, name string) (db.Deck, error) {
	name = strings.TrimSpace(name)
	if err := check(deckInput{Name: name}); err != nil {
		return db.Deck{}, err
	}
	var deck db.Deck
	err := s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		var err error
		deck, err = tx.CreateDeck(ctx, name)
		return deckRequest(deck, db.KindCreate), err
	})
	return deck, err
}

func (s *Service) RenameDeck(ctx context.Context, id, name string) (db.Deck, error) {
	name = strings.TrimSpace(name)
	if err := check(deckInput{Name: name}); err != nil {
		return db.Deck{}, err
	}
	return s.updateDeck(ctx, func(tx *db.Store) (db.Deck, error) {
		return tx.RenameDeck(ctx, id, name)
	})
}

// SilenceDeck hides the deck from selections until until, or for good when
// until is nil.
func (s *Service) SilenceDeck(ctx context.Context, id string, until *time.Time) (db.Deck, error) {
	silence := db.SilencePermanent
	if until != nil {
		silence = db.SilenceTemporary
	}
	return s.updateDeck(ctx, func(tx *db.Store) (db.Deck, error) {
		return tx.SetSilence(ctx, id, silence, until)
	})
}

func (s *Service) UnsilenceDeck(ctx context.Context, id string) (db.Deck, error) {
	return s.updateDeck(ctx, func(tx *db.Store) (db.Deck, error) {
		return tx.SetSilence(ctx, id, db.SilenceNone, nil)
	})
}

// DeleteDeck removes a deck with its cards and their histories. Pending
// operations for those cards and reviews are dropped; deleting the deck on the
// authority removes them there.
func (s *Service) DeleteDeck(ctx context.Context, id string) (db.DeckRemoval, error) {
	var removal db.DeckRemoval
	err := s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		var err error
		removal, err = tx.DeleteDeck(ctx, id)
		if err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		if _, err := tx.DropPendingSyncOperations(ctx, db.EntityCard, removal.CardIDs); err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		if _, err := tx.DropPendingSyncOperations(ctx, db.EntityReviewEvent, removal.EventIDs); err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		return syncqueue.EnqueueRequest{
			EntityType: db.EntityDeck,
			EntityID:   id,
			Kind:       db.KindDelete,
			Payload:    deckRemovalPayload{ID: id, CardIDs: removal.CardIDs},
		}, nil
	})
	if err != nil {
		return db.DeckRemoval{}, err
	}
	logger.Info("deck deleted", "deck_id", id, "cards", len(removal.CardIDs))
	return removal, nil
}

func (s *Service) updateDeck(ctx context.Context, fn func(tx *db.Store) (db.Deck, error)) (db.Deck, error) {
	var deck db.Deck
	err := s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		var err error
		deck, err = fn(tx)
		return deckRequest(deck, db.KindUpdate), err
	})
	return deck, err
}

func deckRequest(deck db.Deck, kind db.SyncKind) syncqueue.EnqueueRequest {
	return syncqueue.EnqueueRequest{
		EntityType: db.EntityDeck,
		EntityID:   deck.ID,
		Kind:       kind,
		Payload:    newDeckPayload(deck),
		Coalesce:   true,
	}
}

func (s *Service) AddCard(ctx context.Context, deckID string, in CardInput) (db.Card, error) {
	in = in.trimmed()
	if err := check(in); err != nil {
		return db.Card{}, err
	}
	var card db.Card
	err := s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		var err error
		card, err = tx.CreateCard(ctx, deckID, in.Question, in.Answer)
		return cardRequest(card, db.KindCreate), err
	})
	return card, err
}

func (s *Service) EditCard(ctx context.Context, id string, in CardInput) (db.Card, error) {
	in = in.trimmed()
	if err := check(in); err != nil {
		return db.Card{}, err
	}
	var card db.Card
	err := s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		var err error
		card, err = tx.UpdateCard(ctx, id, in.Question, in.Answer)
		return cardRequest(card, db.KindUpdate), err
	})
	return card, err
}

func (s *Service) DeleteCard(ctx context.Context, id string) error {
	return s.mutate(ctx, func(tx *db.Store) (syncqueue.EnqueueRequest, error) {
		if err := tx.DeleteCard(ctx, id); err != nil {
			return syncqueue.EnqueueRequest{}, err
		}
		return syncqueue.EnqueueRequest{
			EntityType: db.EntityCard,
			EntityID:   id,
			Kind:       db.KindDelete,
			Payload:    map[string]string{"id": id},
		}, nil
	})
}

// Card returns a card with its history and the state derived from it.
func (s *Service) Card(ctx context.Context, id string) (db.Card, srs.Summary, error) {
	card, err := s.store.GetCard(ctx, id)
	if err != nil {
		return db.Card{}, srs.Summary{}, err
	}
	return card, card.Summary(), nil
}

// DeckCards lists every card of a deck, silenced or not.
func (s *Service) DeckCards(ctx context.Context, deckID string) ([]db.Card, error) {
	if _, err := s.store.GetDeck(ctx, deckID); err != nil {
		return nil, err
	}
	return s.store.FetchAll(ctx, db.DeckFilter{DeckIDs: []string{deckID}, BypassSilence: true}, 0)
}

func cardRequest(card db.Card, kind db.SyncKind) syncqueue.EnqueueRequest {
	return syncqueue.EnqueueRequest{
		EntityType: db.EntityCard,
		EntityID:   card.ID,
		Kind:       kind,
		Payload:    newCardPayload(card),
		Coalesce:   true,
	}
}

func (in CardInput) trimmed() CardInput {
	return CardInput{
		Question: strings.TrimSpace(in.Question),
		Answer:   strings.TrimSpace(in.Answer),
	}
}

// ForceSync drains the queue now, ignoring retry backoff.
func (s *Service) ForceSync(ctx context.Context) (syncqueue.Report, error) {
	return s.queue.ForceSync(ctx)
}

func (s *Service) PendingSyncCount(ctx context.Context) (int64, error) {
	return s.queue.PendingCount(ctx)
}

func (s *Service) FailedSyncOperations(ctx context.Context) ([]db.SyncOperation, error) {
	return s.queue.Failed(ctx)
}

func (s *Service) RetryFailed(ctx context.Context, id uint) (db.SyncOperation, error) {
	return s.queue.RetryFailed(ctx, id)
}

func (s *Service) ResolveConflict(ctx context.Context, id uint, resolution syncqueue.Resolution) error {
	return s.queue.ResolveConflict(ctx, id, resolution)
}
