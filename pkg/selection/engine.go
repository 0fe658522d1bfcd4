package selection

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/smith3v/flashsync/pkg/db"
	"github.com/smith3v/flashsync/pkg/logger"
)

type Mode string

const (
	ModeNormal   Mode = "normal"
	ModePractice Mode = "practice"
	ModeCram     Mode = "cram"
)

// PracticeWindow is how far back practice mode looks for reviewed cards.
const PracticeWindow = 3 * 24 * time.Hour

func ParseMode(value string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModeNormal, "":
		return ModeNormal, nil
	case ModePractice:
		return ModePractice, nil
	case ModeCram:
		return ModeCram, nil
	default:
		return "", fmt.Errorf("unknown review mode %q", value)
	}
}

// Settings is the per-call configuration of a selection. Zero caps mean no
// new cards or no reviews; a zero SessionLimit means no limit.
type Settings struct {
	MaxNewPerDay    int
	MaxReviewPerDay int
	SessionLimit    int
	Mode            Mode
}

// Scope restricts a selection to explicit decks. BypassSilence is only
// honoured when DeckIDs is not empty.
type Scope struct {
	DeckIDs       []string
	BypassSilence bool
}

// Source is the part of the item store the engine reads from.
type Source interface {
	FetchNew(ctx context.Context, filter db.DeckFilter, limit int) ([]db.Card, error)
	FetchDue(ctx context.Context, now time.Time, filter db.DeckFilter, limit int) ([]db.Card, error)
	FetchRecentlyReviewed(ctx context.Context, since time.Time, filter db.DeckFilter, limit int) ([]db.Card, error)
	FetchAll(ctx context.Context, filter db.DeckFilter, limit int) ([]db.Card, error)
	CountBy(ctx context.Context, p db.Predicate) (int64, error)
}

// Sweeper eagerly clears expired silences before a selection.
type Sweeper interface {
	ClearExpiredSilences(ctx context.Context, now time.Time) (int64, error)
}

type Engine struct {
	source   Source
	sweeper  Sweeper
	location *time.Location

	mu      sync.Mutex
	shuffle func(n int, swap func(i, j int))
}

type Option func(*Engine)

// WithSweeper runs an eager silence sweep before every selection.
func WithSweeper(sweeper Sweeper) Option {
	return func(e *Engine) {
		e.sweeper = sweeper
	}
}

// WithShuffle replaces the random shuffle, mainly for tests.
func WithShuffle(shuffle func(n int, swap func(i, j int))) Option {
	return func(e *Engine) {
		e.shuffle = shuffle
	}
}

// WithLocation sets the time zone whose midnight resets the daily caps.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

func NewEngine(source Source, opts ...Option) *Engine {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := &Engine{
		source:   source,
		location: time.Local,
		shuffle:  rng.Shuffle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SelectSession assembles the ordered working set for a session. An empty
// result is a non-nil empty slice; errors only come from the store.
func (e *Engine) SelectSession(ctx context.Context, settings Settings, scope Scope, now time.Time) ([]db.Card, error) {
	if e.sweeper != nil {
		if _, err := e.sweeper.ClearExpiredSilences(ctx, now); err != nil {
			// Queries evaluate silences lazily, so a failed sweep only costs tidiness.
			logger.Warn("silence sweep before selection failed", "error", err)
		}
	}

	filter := db.DeckFilter{
		DeckIDs:       scope.DeckIDs,
		BypassSilence: scope.BypassSilence && len(scope.DeckIDs) > 0,
		Now:           now,
	}

	mode := settings.Mode
	if mode == "" {
		mode = ModeNormal
	}

	var (
		cards []db.Card
		err   error
	)
	switch mode {
	case ModeNormal:
		cards, err = e.selectNormal(ctx, settings, filter, now)
	case ModePractice:
		cards, err = e.selectPractice(ctx, filter, now)
	case ModeCram:
		cards, err = e.selectCram(ctx, filter)
	default:
		return nil, fmt.Errorf("unknown review mode %q", mode)
	}
	if err != nil {
		return nil, err
	}

	if settings.SessionLimit > 0 && len(cards) > settings.SessionLimit {
		cards = cards[:settings.SessionLimit]
	}
	logger.Debug("selected review session", "mode", mode, "cards", len(cards), "decks", len(scope.DeckIDs))
	return cards, nil
}

// normal: new cards first as one shuffled block, then due cards as another.
func (e *Engine) selectNormal(ctx context.Context, settings Settings, filter db.DeckFilter, now time.Time) ([]db.Card, error) {
	midnight := e.startOfDay(now)

	newBudget, err := e.remaining(ctx, settings.MaxNewPerDay, db.CardsIntroducedSince(midnight, filter.DeckIDs))
	if err != nil {
		return nil, err
	}
	reviewBudget, err := e.remaining(ctx, settings.MaxReviewPerDay, db.ReviewsSince(midnight, filter.DeckIDs))
	if err != nil {
		return nil, err
	}

	fresh := []db.Card{}
	if newBudget > 0 {
		fresh, err = e.source.FetchNew(ctx, filter, newBudget)
		if err != nil {
			return nil, err
		}
	}
	due := []db.Card{}
	if reviewBudget > 0 {
		due, err = e.source.FetchDue(ctx, now, filter, reviewBudget)
		if err != nil {
			return nil, err
		}
	}

	e.shuffleCards(fresh)
	e.shuffleCards(due)
	return merge(fresh, due), nil
}

func (e *Engine) selectPractice(ctx context.Context, filter db.DeckFilter, now time.Time) ([]db.Card, error) {
	due, err := e.source.FetchDue(ctx, now, filter, 0)
	if err != nil {
		return nil, err
	}
	fresh, err := e.source.FetchNew(ctx, filter, 0)
	if err != nil {
		return nil, err
	}
	recent, err := e.source.FetchRecentlyReviewed(ctx, now.Add(-PracticeWindow), filter, 0)
	if err != nil {
		return nil, err
	}

	cards := merge(due, fresh, recent)
	e.shuffleCards(cards)
	return cards, nil
}

func (e *Engine) selectCram(ctx context.Context, filter db.DeckFilter) ([]db.Card, error) {
	cards, err := e.source.FetchAll(ctx, filter, 0)
	if err != nil {
		return nil, err
	}
	cards = merge(cards)
	e.shuffleCards(cards)
	return cards, nil
}

func (e *Engine) remaining(ctx context.Context, limit int, used db.Predicate) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	count, err := e.source.CountBy(ctx, used)
	if err != nil {
		return 0, err
	}
	if int64(limit) <= count {
		return 0, nil
	}
	return limit - int(count), nil
}

func (e *Engine) startOfDay(now time.Time) time.Time {
	local := now.In(e.location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, e.location)
}

func (e *Engine) shuffleCards(cards []db.Card) {
	if len(cards) < 2 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shuffle(len(cards), func(i, j int) {
		cards[i], cards[j] = cards[j], cards[i]
	})
}

// merge concatenates the groups in order, keeping the first occurrence of
// every card id.
func merge(groups ...[]db.Card) []db.Card {
	seen := map[string]struct{}{}
	merged := []db.Card{}
	for _, group := range groups {
		for _, card := range group {
			if _, ok := seen[card.ID]; ok {
				continue
			}
			seen[card.ID] = struct{}{}
			merged = append(merged, card)
		}
	}
	return merged
}
