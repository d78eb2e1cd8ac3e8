package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/deckcache"
)

// DeckLoader fetches deck content from a backing store (e.g., Postgres).
type DeckLoader interface {
	LoadDeck(ctx context.Context, deckID string) (domain.Deck, error)
}

// DeckRepository is a process-local, read-through deck cache. Only decks
// that pass domain.Deck.Validate are cached, and callers always get their own
// copy of the rounds so a running session cannot alter the cached deck.
type DeckRepository struct {
	loader DeckLoader
	expiry *deckcache.Expiry
	now    func() time.Time
	loads  singleflight.Group

	mu    sync.RWMutex
	decks map[string]deckEntry
}

type deckEntry struct {
	deck domain.Deck
	// zero when the cache does not expire
	expiresAt time.Time
}

func (e deckEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// NewDeckRepository caches loaded decks for ttl plus jitter; a non-positive
// ttl keeps them until Invalidate.
func NewDeckRepository(loader DeckLoader, ttl time.Duration) *DeckRepository {
	return &DeckRepository{
		loader: loader,
		expiry: deckcache.NewExpiry(ttl),
		now:    time.Now,
		decks:  make(map[string]deckEntry),
	}
}

func (r *DeckRepository) GetDeck(ctx context.Context, deckID string) (domain.Deck, error) {
	if deck, ok := r.cached(deckID); ok {
		return deck, nil
	}

	v, err, _ := r.loads.Do(deckID, func() (interface{}, error) {
		if deck, ok := r.cached(deckID); ok {
			return deck, nil
		}
		deck, err := r.loader.LoadDeck(ctx, deckID)
		if err != nil {
			return domain.Deck{}, err
		}
		if err := deck.Validate(); err != nil {
			slog.WarnContext(ctx, "deck cache: rejected deck", "deck", deckID, "error", err)
			return domain.Deck{}, fmt.Errorf("load deck %s: %w", deckID, err)
		}

		entry := deckEntry{deck: deck.Clone()}
		if r.expiry.Enabled() {
			entry.expiresAt = r.now().Add(r.expiry.Next())
		}
		r.mu.Lock()
		r.decks[deckID] = entry
		r.mu.Unlock()
		return entry.deck, nil
	})
	if err != nil {
		return domain.Deck{}, err
	}
	return v.(domain.Deck).Clone(), nil
}

// Invalidate drops a cached deck so the next GetDeck reloads it.
func (r *DeckRepository) Invalidate(deckID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.decks, deckID)
}

func (r *DeckRepository) cached(deckID string) (domain.Deck, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.decks[deckID]
	if !ok || !entry.live(r.now()) {
		return domain.Deck{}, false
	}
	return entry.deck.Clone(), true
}

// StaticDeckLoader serves decks from a fixed map, for demos and tests.
type StaticDeckLoader struct {
	decks map[string]domain.Deck
}

func NewStaticDeckLoader(decks map[string]domain.Deck) *StaticDeckLoader {
	return &StaticDeckLoader{decks: decks}
}

func (l *StaticDeckLoader) LoadDeck(_ context.Context, deckID string) (domain.Deck, error) {
	if deck, ok := l.decks[deckID]; ok {
		return deck.Clone(), nil
	}
	return domain.Deck{}, domain.ErrDeckNotFound
}
