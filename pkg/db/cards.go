package db

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/smith3v/flashsync/pkg/srs"
	"gorm.io/gorm"
)

// DeckFilter scopes card queries. An empty DeckIDs means every deck. Silenced
// decks are excluded at Now unless BypassSilence is set; a zero Now uses the
// store clock.
type DeckFilter struct {
	DeckIDs       []string
	BypassSilence bool
	Now           time.Time
}

const activeDeckCondition = "silence = ? OR (silence = ? AND (silenced_until IS NULL OR silenced_until <= ?))"

const latestEventDueCondition = `EXISTS (
SELECT 1 FROM review_events le
WHERE le.card_id = cards.id
  AND le.id = (SELECT MAX(re.id) FROM review_events re WHERE re.card_id = cards.id)
  AND le.next_due_at <= ?
)`

func (s *Store) CreateDeck(ctx context.Context, name string) (Deck, error) {
	now := s.now()
	deck := Deck{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(name),
		Silence:   SilenceNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&deck).Error; err != nil {
		return Deck{}, unavailable("create deck", err)
	}
	return deck, nil
}

func (s *Store) GetDeck(ctx context.Context, id string) (Deck, error) {
	var deck Deck
	if err := s.db.WithContext(ctx).First(&deck, "id = ?", id).Error; err != nil {
		return Deck{}, unavailable("get deck", err)
	}
	return deck, nil
}

func (s *Store) ListDecks(ctx context.Context) ([]Deck, error) {
	decks := []Deck{}
	if err := s.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&decks).Error; err != nil {
		return nil, unavailable("list decks", err)
	}
	return decks, nil
}

func (s *Store) RenameDeck(ctx context.Context, id, name string) (Deck, error) {
	return s.updateDeck(ctx, "rename deck", id, map[string]interface{}{"name": strings.TrimSpace(name)})
}

// SetSilence stores a silence directive. until is only kept for temporary
// silences.
func (s *Store) SetSilence(ctx context.Context, id string, silence Silence, until *time.Time) (Deck, error) {
	var end *time.Time
	if silence == SilenceTemporary && until != nil {
		utc := until.UTC()
		end = &utc
	}
	return s.updateDeck(ctx, "silence deck", id, map[string]interface{}{
		"silence":        silence,
		"silenced_until": end,
	})
}

func (s *Store) updateDeck(ctx context.Context, op, id string, updates map[string]interface{}) (Deck, error) {
	updates["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&Deck{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return Deck{}, unavailable(op, res.Error)
	}
	if res.RowsAffected == 0 {
		return Deck{}, unavailable(op, gorm.ErrRecordNotFound)
	}
	return s.GetDeck(ctx, id)
}

func (s *Store) CreateCard(ctx context.Context, deckID, question, answer string) (Card, error) {
	if _, err := s.GetDeck(ctx, deckID); err != nil {
		return Card{}, err
	}
	now := s.now()
	card := Card{
		ID:        uuid.NewString(),
		DeckID:    deckID,
		Question:  question,
		Answer:    answer,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Omit("Events").Create(&card).Error; err != nil {
		return Card{}, unavailable("create card", err)
	}
	card.Events = []ReviewEvent{}
	return card, nil
}

// GetCard loads a card with its full review history.
func (s *Store) GetCard(ctx context.Context, id string) (Card, error) {
	var card Card
	err := s.db.WithContext(ctx).
		Preload("Events", orderEvents).
		First(&card, "id = ?", id).Error
	if err != nil {
		return Card{}, unavailable("get card", err)
	}
	return card, nil
}

func (s *Store) UpdateCard(ctx context.Context, id, question, answer string) (Card, error) {
	res := s.db.WithContext(ctx).Model(&Card{}).Where("id = ?", id).Updates(map[string]interface{}{
		"question":   question,
		"answer":     answer,
		"updated_at": s.now(),
	})
	if res.Error != nil {
		return Card{}, unavailable("update card", res.Error)
	}
	if res.RowsAffected == 0 {
		return Card{}, unavailable("update card", gorm.ErrRecordNotFound)
	}
	return s.GetCard(ctx, id)
}

// DeleteCard removes a card together with its history.
func (s *Store) DeleteCard(ctx context.Context, id string) error {
	q := s.db.WithContext(ctx)
	if err := q.Where("card_id = ?", id).Delete(&ReviewEvent{}).Error; err != nil {
		return unavailable("delete card events", err)
	}
	res := q.Where("id = ?", id).Delete(&Card{})
	if res.Error != nil {
		return unavailable("delete card", res.Error)
	}
	if res.RowsAffected == 0 {
		return unavailable("delete card", gorm.ErrRecordNotFound)
	}
	return nil
}

// DeckRemoval lists what DeleteDeck removed along with the deck.
type DeckRemoval struct {
	CardIDs  []string
	EventIDs []string
}

// DeleteDeck removes a deck with all of its cards and their histories.
func (s *Store) DeleteDeck(ctx context.Context, id string) (DeckRemoval, error) {
	if _, err := s.GetDeck(ctx, id); err != nil {
		return DeckRemoval{}, err
	}
	q := s.db.WithContext(ctx)
	removal := DeckRemoval{CardIDs: []string{}, EventIDs: []string{}}
	if err := q.Model(&Card{}).Where("deck_id = ?", id).Order("id ASC").Pluck("id", &removal.CardIDs).Error; err != nil {
		return DeckRemoval{}, unavailable("delete deck", err)
	}
	if len(removal.CardIDs) > 0 {
		if err := q.Model(&ReviewEvent{}).Where("card_id IN ?", removal.CardIDs).Order("id ASC").Pluck("event_id", &removal.EventIDs).Error; err != nil {
			return DeckRemoval{}, unavailable("delete deck", err)
		}
		if err := q.Where("card_id IN ?", removal.CardIDs).Delete(&ReviewEvent{}).Error; err != nil {
			return DeckRemoval{}, unavailable("delete deck events", err)
		}
		if err := q.Where("deck_id = ?", id).Delete(&Card{}).Error; err != nil {
			return DeckRemoval{}, unavailable("delete deck cards", err)
		}
	}
	if err := q.Where("id = ?", id).Delete(&Deck{}).Error; err != nil {
		return DeckRemoval{}, unavailable("delete deck", err)
	}
	return removal, nil
}

// FetchNew returns cards without any review event. limit <= 0 means no limit.
func (s *Store) FetchNew(ctx context.Context, filter DeckFilter, limit int) ([]Card, error) {
	q := s.cards(ctx, filter).
		Where("NOT EXISTS (SELECT 1 FROM review_events re WHERE re.card_id = cards.id)")
	return s.findCards(q, "fetch new", limit)
}

// FetchDue returns reviewed cards whose latest event is due at now.
func (s *Store) FetchDue(ctx context.Context, now time.Time, filter DeckFilter, limit int) ([]Card, error) {
	if filter.Now.IsZero() {
		filter.Now = now
	}
	q := s.cards(ctx, filter).Where(latestEventDueCondition, now.UTC())
	return s.findCards(q, "fetch due", limit)
}

func (s *Store) FetchRecentlyReviewed(ctx context.Context, since time.Time, filter DeckFilter, limit int) ([]Card, error) {
	q := s.cards(ctx, filter).
		Where("EXISTS (SELECT 1 FROM review_events re WHERE re.card_id = cards.id AND re.reviewed_at >= ?)", since.UTC())
	return s.findCards(q, "fetch recently reviewed", limit)
}

func (s *Store) FetchAll(ctx context.Context, filter DeckFilter, limit int) ([]Card, error) {
	return s.findCards(s.cards(ctx, filter), "fetch all", limit)
}

func (s *Store) cards(ctx context.Context, filter DeckFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&Card{})
	if len(filter.DeckIDs) > 0 {
		q = q.Where("cards.deck_id IN ?", filter.DeckIDs)
	}
	if !filter.BypassSilence {
		now := filter.Now
		if now.IsZero() {
			now = s.now()
		}
		active := s.db.Session(&gorm.Session{NewDB: true}).
			Model(&Deck{}).
			Select("id").
			Where(activeDeckCondition, SilenceNone, SilenceTemporary, now.UTC())
		q = q.Where("cards.deck_id IN (?)", active)
	}
	return q
}

func (s *Store) findCards(q *gorm.DB, op string, limit int) ([]Card, error) {
	if limit > 0 {
		q = q.Limit(limit)
	}
	cards := []Card{}
	err := q.Preload("Events", orderEvents).
		Order("cards.created_at ASC, cards.id ASC").
		Find(&cards).Error
	if err != nil {
		return nil, unavailable(op, err)
	}
	return cards, nil
}

// AppendReviewEvent stores event as the newest entry of the card's history.
func (s *Store) AppendReviewEvent(ctx context.Context, cardID string, event srs.Event) (ReviewEvent, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Card{}).Where("id = ?", cardID).Count(&count).Error; err != nil {
		return ReviewEvent{}, unavailable("append review event", err)
	}
	if count == 0 {
		return ReviewEvent{}, unavailable("append review event", gorm.ErrRecordNotFound)
	}

	row := ReviewEvent{
		EventID:         uuid.NewString(),
		CardID:          cardID,
		Rating:          string(event.Rating),
		IntervalMinutes: event.IntervalMinutes,
		Ease:            event.Ease,
		ReviewedAt:      event.ReviewedAt.UTC(),
		NextDueAt:       event.NextDueAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ReviewEvent{}, unavailable("append review event", err)
	}
	return row, nil
}

// Predicate describes a countable subset of rows for CountBy.
type Predicate struct {
	name  string
	model interface{}
	apply func(q *gorm.DB) *gorm.DB
}

func (p Predicate) String() string {
	return p.name
}

func (s *Store) CountBy(ctx context.Context, p Predicate) (int64, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(p.model)
	if p.apply != nil {
		q = p.apply(q)
	}
	if err := q.Count(&count).Error; err != nil {
		return 0, unavailable("count "+p.name, err)
	}
	return count, nil
}

// CardsIntroducedSince counts cards whose first review happened at or after
// since.
func CardsIntroducedSince(since time.Time, deckIDs []string) Predicate {
	return Predicate{
		name:  "cards introduced",
		model: &Card{},
		apply: func(q *gorm.DB) *gorm.DB {
			q = q.Where("(SELECT MIN(re.reviewed_at) FROM review_events re WHERE re.card_id = cards.id) >= ?", since.UTC())
			return inDecks(q, "cards.deck_id", deckIDs)
		},
	}
}

// ReviewsSince counts review events at or after since, excluding each card's
// first event which introduced it as a new card.
func ReviewsSince(since time.Time, deckIDs []string) Predicate {
	return Predicate{
		name:  "reviews",
		model: &ReviewEvent{},
		apply: func(q *gorm.DB) *gorm.DB {
			q = q.Where("review_events.reviewed_at >= ?", since.UTC()).
				Where("review_events.id > (SELECT MIN(fe.id) FROM review_events fe WHERE fe.card_id = review_events.card_id)")
			if len(deckIDs) > 0 {
				q = q.Where("review_events.card_id IN (SELECT id FROM cards WHERE deck_id IN ?)", deckIDs)
			}
			return q
		},
	}
}

func CardsInDeck(deckID string) Predicate {
	return Predicate{
		name:  "cards in deck",
		model: &Card{},
		apply: func(q *gorm.DB) *gorm.DB {
			return q.Where("deck_id = ?", deckID)
		},
	}
}

// Cards counts every card in the given decks, or in all decks.
func Cards(deckIDs []string) Predicate {
	return Predicate{
		name:  "cards",
		model: &Card{},
		apply: func(q *gorm.DB) *gorm.DB {
			return inDecks(q, "cards.deck_id", deckIDs)
		},
	}
}

// NewCards counts cards without any review event.
func NewCards(deckIDs []string) Predicate {
	return Predicate{
		name:  "new cards",
		model: &Card{},
		apply: func(q *gorm.DB) *gorm.DB {
			q = q.Where("NOT EXISTS (SELECT 1 FROM review_events re WHERE re.card_id = cards.id)")
			return inDecks(q, "cards.deck_id", deckIDs)
		},
	}
}

// DueCards counts reviewed cards whose latest event is due at now.
func DueCards(now time.Time, deckIDs []string) Predicate {
	return Predicate{
		name:  "due cards",
		model: &Card{},
		apply: func(q *gorm.DB) *gorm.DB {
			return inDecks(q.Where(latestEventDueCondition, now.UTC()), "cards.deck_id", deckIDs)
		},
	}
}

// LearningCards counts cards whose latest interval is shorter than a day.
func LearningCards(deckIDs []string) Predicate {
	return Predicate{
		name:  "learning cards",
		model: &Card{},
		apply: func(q *gorm.DB) *gorm.DB {
			q = q.Where(`EXISTS (
SELECT 1 FROM review_events le
WHERE le.card_id = cards.id
  AND le.id = (SELECT MAX(re.id) FROM review_events re WHERE re.card_id = cards.id)
  AND le.interval_minutes < ?
)`, srs.Day.Minutes())
			return inDecks(q, "cards.deck_id", deckIDs)
		},
	}
}

// ReviewEventsSince counts every review event at or after since. A zero since
// counts the whole history.
func ReviewEventsSince(since time.Time, deckIDs []string) Predicate {
	return Predicate{
		name:  "review events",
		model: &ReviewEvent{},
		apply: func(q *gorm.DB) *gorm.DB {
			if !since.IsZero() {
				q = q.Where("review_events.reviewed_at >= ?", since.UTC())
			}
			if len(deckIDs) > 0 {
				q = q.Where("review_events.card_id IN (SELECT id FROM cards WHERE deck_id IN ?)", deckIDs)
			}
			return q
		},
	}
}

// ReviewTimes returns the review timestamps at or after since, newest first.
func (s *Store) ReviewTimes(ctx context.Context, since time.Time) ([]time.Time, error) {
	times := []time.Time{}
	err := s.db.WithContext(ctx).Model(&ReviewEvent{}).
		Where("reviewed_at >= ?", since.UTC()).
		Order("reviewed_at DESC").
		Pluck("reviewed_at", &times).Error
	if err != nil {
		return nil, unavailable("list review times", err)
	}
	return times, nil
}

func SyncOperationsWithStatus(status SyncStatus) Predicate {
	return Predicate{
		name:  "sync operations " + string(status),
		model: &SyncOperation{},
		apply: func(q *gorm.DB) *gorm.DB {
			return q.Where("status = ?", status)
		},
	}
}

func inDecks(q *gorm.DB, column string, deckIDs []string) *gorm.DB {
	if len(deckIDs) == 0 {
		return q
	}
	return q.Where(column+" IN ?", deckIDs)
}

func orderEvents(db *gorm.DB) *gorm.DB {
	return db.Order("review_events.id ASC")
}
