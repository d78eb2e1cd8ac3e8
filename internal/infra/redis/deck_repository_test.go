package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/memory"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDeckRepositoryCachesInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	client := newClient(mr)

	loader := &countingLoader{
		DeckLoader: memory.NewStaticDeckLoader(map[string]domain.Deck{
			"instruments": sampleDeck(),
		}),
	}
	repo := NewDeckRepository(client, loader, time.Minute)

	_, err = repo.GetDeck(context.Background(), "instruments")
	if err != nil {
		t.Fatalf("get deck: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}

	// Second call should hit cache, loader not incremented.
	cached, err := repo.GetDeck(context.Background(), "instruments")
	if err != nil {
		t.Fatalf("get cached deck: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
	want := sampleDeck()
	if len(cached.Rounds) != len(want.Rounds) {
		t.Fatalf("expected %d rounds from cache, got %d", len(want.Rounds), len(cached.Rounds))
	}
	for i := range want.Rounds {
		if cached.Rounds[i] != want.Rounds[i] {
			t.Fatalf("round %d: expected %+v, got %+v", i+1, want.Rounds[i], cached.Rounds[i])
		}
	}
	if ttl := mr.TTL("deck:instruments:answers"); ttl <= 0 {
		t.Fatalf("expected cached answers to expire, ttl=%v", ttl)
	}
}

func TestDeckRepositoryTTLCarriesJitter(t *testing.T) {
	mr := miniredis.RunT(t)
	repo := NewDeckRepository(newClient(mr), memory.NewStaticDeckLoader(map[string]domain.Deck{
		"instruments": sampleDeck(),
	}), time.Minute)

	if _, err := repo.GetDeck(context.Background(), "instruments"); err != nil {
		t.Fatalf("get deck: %v", err)
	}
	for _, key := range []string{"deck:instruments:prompts", "deck:instruments:answers"} {
		if ttl := mr.TTL(key); ttl < time.Minute || ttl > time.Minute+6*time.Second {
			t.Fatalf("%s: expected ttl within a minute plus 10%%, got %v", key, ttl)
		}
	}
}

func TestDeckRepositoryRejectsEmptyDeck(t *testing.T) {
	mr := miniredis.RunT(t)
	loader := &countingLoader{
		DeckLoader: memory.NewStaticDeckLoader(map[string]domain.Deck{"empty": {ID: "empty"}}),
	}
	repo := NewDeckRepository(newClient(mr), loader, time.Minute)

	if _, err := repo.GetDeck(context.Background(), "empty"); !errors.Is(err, domain.ErrDeckNotFound) {
		t.Fatalf("expected ErrDeckNotFound, got %v", err)
	}
	if mr.Exists("deck:empty:answers") || mr.Exists("deck:empty:prompts") {
		t.Fatalf("rejected deck must not be cached")
	}
}

func TestDeckRepositoryReloadsIncompleteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	// answers survived but the prompts hash is gone
	mr.HSet("deck:instruments:answers", "1", "violin")
	loader := &countingLoader{
		DeckLoader: memory.NewStaticDeckLoader(map[string]domain.Deck{"instruments": sampleDeck()}),
	}
	repo := NewDeckRepository(newClient(mr), loader, time.Minute)

	deck, err := repo.GetDeck(context.Background(), "instruments")
	if err != nil {
		t.Fatalf("get deck: %v", err)
	}
	if loader.calls != 1 || len(deck.Rounds) != 3 {
		t.Fatalf("expected reload from loader, calls=%d rounds=%d", loader.calls, len(deck.Rounds))
	}
}

type countingLoader struct {
	memory.DeckLoader
	calls int
}

func (l *countingLoader) LoadDeck(ctx context.Context, deckID string) (domain.Deck, error) {
	l.calls++
	return l.DeckLoader.LoadDeck(ctx, deckID)
}

func sampleDeck() domain.Deck {
	return domain.Deck{
		ID: "instruments",
		Rounds: []domain.RoundContent{
			{Prompt: "clips/violin-01.mp3", CorrectAnswer: "violin"},
			{Prompt: "clips/tuba-02.mp3", CorrectAnswer: "tuba"},
			{Prompt: "clips/flute-03.mp3", CorrectAnswer: "flute"},
		},
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
