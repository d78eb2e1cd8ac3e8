package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/deckcache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// DeckLoader fetches deck content from a backing store (e.g., Postgres).
type DeckLoader interface {
	LoadDeck(ctx context.Context, deckID string) (domain.Deck, error)
}

// DeckRepository caches decks in Redis (two hashes per deck) and falls back to a loader on cache miss.
// Prompts are stored as: HSET deck:{deckID}:prompts {roundIndex} {prompt}
// Answers are stored as: HSET deck:{deckID}:answers {roundIndex} {correctAnswer}
type DeckRepository struct {
	client *redis.Client
	loader DeckLoader
	expiry *deckcache.Expiry
	sf     singleflight.Group
}

func NewDeckRepository(client *redis.Client, loader DeckLoader, ttl time.Duration) *DeckRepository {
	return &DeckRepository{
		client: client,
		loader: loader,
		expiry: deckcache.NewExpiry(ttl),
	}
}

func (r *DeckRepository) GetDeck(ctx context.Context, deckID string) (domain.Deck, error) {
	if deck, ok := r.fromCache(ctx, deckID); ok {
		return deck, nil
	}

	result, err, _ := r.sf.Do(deckID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if deck, ok := r.fromCache(ctx, deckID); ok {
			return deck, nil
		}

		deck, err := r.loader.LoadDeck(ctx, deckID)
		if err != nil {
			return domain.Deck{}, err
		}
		if err := deck.Validate(); err != nil {
			slog.WarnContext(ctx, "redis deck cache: rejected deck", "deck", deckID, "error", err)
			return domain.Deck{}, fmt.Errorf("load deck %s: %w", deckID, err)
		}

		promptKey, answerKey := r.promptsKey(deckID), r.answersKey(deckID)
		ttl := r.expiry.Next()
		pipe := r.client.Pipeline()
		for i, round := range deck.Rounds {
			field := strconv.Itoa(i + 1)
			pipe.HSet(ctx, promptKey, field, round.Prompt)
			pipe.HSet(ctx, answerKey, field, round.CorrectAnswer)
		}
		if ttl > 0 {
			pipe.Expire(ctx, promptKey, ttl)
			pipe.Expire(ctx, answerKey, ttl)
		}
		_, _ = pipe.Exec(ctx)

		return deck, nil
	})
	if err != nil {
		return domain.Deck{}, err
	}
	return result.(domain.Deck), nil
}

func (r *DeckRepository) fromCache(ctx context.Context, deckID string) (domain.Deck, bool) {
	answers, err := r.client.HGetAll(ctx, r.answersKey(deckID)).Result()
	if err != nil || len(answers) == 0 {
		return domain.Deck{}, false
	}
	prompts, _ := r.client.HGetAll(ctx, r.promptsKey(deckID)).Result()
	deck := buildDeckFromCache(deckID, prompts, answers)
	// a half-written or partly expired pair of hashes is a miss
	if deck.Validate() != nil {
		return domain.Deck{}, false
	}
	return deck, true
}

func (r *DeckRepository) promptsKey(deckID string) string {
	return "deck:" + deckID + ":prompts"
}

func (r *DeckRepository) answersKey(deckID string) string {
	return "deck:" + deckID + ":answers"
}

func buildDeckFromCache(deckID string, prompts, answers map[string]string) domain.Deck {
	indexes := make([]int, 0, len(answers))
	for field := range answers {
		if i, err := strconv.Atoi(field); err == nil && i > 0 {
			indexes = append(indexes, i)
		}
	}
	sort.Ints(indexes)

	rounds := make([]domain.RoundContent, 0, len(indexes))
	for _, i := range indexes {
		field := strconv.Itoa(i)
		rounds = append(rounds, domain.RoundContent{
			Prompt:        prompts[field],
			CorrectAnswer: answers[field],
		})
	}
	return domain.Deck{ID: deckID, Rounds: rounds}
}
