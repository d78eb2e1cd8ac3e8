package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"classroom-round-service/internal/app"
	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/memory"
	"classroom-round-service/internal/telemetry"
)

type memorySink struct {
	mu      sync.Mutex
	results []domain.SessionResult
}

func (s *memorySink) Archive(_ context.Context, result domain.SessionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, result)
	return nil
}

func (s *memorySink) archived() []domain.SessionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionResult(nil), s.results...)
}

func newTestService(opts ...app.Option) (*app.GameService, *fakeClock) {
	return newSharedTestService(memory.NewStateStore(), opts...)
}

// newSharedTestService builds a service whose documents live in store, so
// several services can stand in for instances behind one shared store.
func newSharedTestService(store *memory.StateStore, opts ...app.Option) (*app.GameService, *fakeClock) {
	clock := newFakeClock()
	decks := memory.NewDeckRepository(memory.NewStaticDeckLoader(map[string]domain.Deck{
		"instruments": sampleDeck(),
	}), time.Minute)
	opts = append([]app.Option{
		app.WithClock(clock.Now, clock.AfterFunc),
		app.WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} }),
	}, opts...)
	return app.NewGameService(memory.NewSessionStore(), decks, store, opts...), clock
}

func TestStartSession(t *testing.T) {
	tests := map[string]struct {
		req     app.StartSessionRequest
		wantErr error
		rounds  int
	}{
		"whole deck by default": {
			req:    app.StartSessionRequest{SessionID: "s1", DeckID: "instruments"},
			rounds: 3,
		},
		"subset of the deck": {
			req:    app.StartSessionRequest{SessionID: "s1", DeckID: "instruments", TotalRounds: 2},
			rounds: 2,
		},
		"more rounds than the deck holds": {
			req:     app.StartSessionRequest{SessionID: "s1", DeckID: "instruments", TotalRounds: 4},
			wantErr: domain.ErrInvalidRoundCount,
		},
		"negative rounds": {
			req:     app.StartSessionRequest{SessionID: "s1", DeckID: "instruments", TotalRounds: -1},
			wantErr: domain.ErrInvalidRoundCount,
		},
		"unknown deck": {
			req:     app.StartSessionRequest{SessionID: "s1", DeckID: "birdsong"},
			wantErr: domain.ErrDeckNotFound,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			service, _ := newTestService()
			snap, err := service.StartSession(context.Background(), tc.req)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, domain.PhaseSetup, snap.Phase)
			require.Equal(t, tc.rounds, snap.TotalRounds)
			require.NoError(t, service.EndSession(context.Background(), snap.SessionID))
		})
	}
}

func TestStartSessionIDs(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	generated, err := service.StartSession(ctx, app.StartSessionRequest{DeckID: "instruments"})
	require.NoError(t, err)
	require.NotEmpty(t, generated.SessionID)

	_, err = service.StartSession(ctx, app.StartSessionRequest{SessionID: generated.SessionID, DeckID: "instruments"})
	require.ErrorIs(t, err, domain.ErrSessionExists)
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()

	_, err := service.Advance(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.ErrorIs(t, service.SubmitAnswer(ctx, "missing", "u1", "violin"), domain.ErrSessionNotFound)
	_, err = service.Join(ctx, "missing", "u1", "Alice")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, _, err = service.Watch(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.ErrorIs(t, service.EndSession(ctx, "missing"), domain.ErrSessionNotFound)
}

func TestServicePlaysSessionToArchive(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	service, clock := newTestService(app.WithResultSink(sink), app.WithDefaults(app.GameSettings{
		Timing: testTiming,
	}))

	_, err := service.StartSession(ctx, app.StartSessionRequest{SessionID: "s1", DeckID: "instruments", TotalRounds: 1})
	require.NoError(t, err)
	_, err = service.Join(ctx, "s1", "u1", "Alice")
	require.NoError(t, err)
	_, err = service.Join(ctx, "s1", "u1", "Alice")
	require.ErrorIs(t, err, domain.ErrDuplicateParticipant)

	_, err = service.Advance(ctx, "s1")
	require.NoError(t, err)
	require.ErrorIs(t, service.SubmitAnswer(ctx, "s1", "u1", "violin"), domain.ErrRoundNotAccepting)
	clock.Advance(testTiming.Listen)

	require.NoError(t, service.SubmitAnswer(ctx, "s1", "u1", " VIOLIN "))
	require.ErrorIs(t, service.SubmitAnswer(ctx, "s1", "u1", "tuba"), domain.ErrAlreadyLockedIn)
	require.ErrorIs(t, service.PickModifier(ctx, "s1", "u1", "turbo"), domain.ErrInvalidModifier)

	snap, err := service.ForceReveal(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 25, snap.Leaderboard[0].Score)

	_, err = service.SkipTimer(ctx, "s1")
	require.NoError(t, err)
	snap, err = service.NextRound(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFinished, snap.Phase)

	require.Eventually(t, func() bool { return len(sink.archived()) == 1 }, time.Second, 10*time.Millisecond)
	result := sink.archived()[0]
	require.Equal(t, "s1", result.SessionID)
	require.Equal(t, 1, result.TotalRounds)
	require.Equal(t, 25, result.Leaderboard[0].Score)

	require.Eventually(t, func() bool {
		_, err := service.Snapshot(ctx, "s1")
		return err == domain.ErrSessionNotFound
	}, time.Second, 10*time.Millisecond)
}

func TestServiceEvictsFinishedSession(t *testing.T) {
	ctx := context.Background()
	service, clock := newTestService(app.WithDefaults(app.GameSettings{Timing: testTiming}))
	before := testutil.ToFloat64(telemetry.ActiveSessions)

	_, err := service.StartSession(ctx, app.StartSessionRequest{SessionID: "s1", DeckID: "instruments", TotalRounds: 1})
	require.NoError(t, err)
	require.Equal(t, before+1, testutil.ToFloat64(telemetry.ActiveSessions))

	watch, cancel, err := service.Watch(ctx, "s1")
	require.NoError(t, err)
	defer cancel()

	_, err = service.Advance(ctx, "s1")
	require.NoError(t, err)
	clock.Advance(testTiming.Listen)
	_, err = service.ForceReveal(ctx, "s1")
	require.NoError(t, err)
	_, err = service.SkipTimer(ctx, "s1")
	require.NoError(t, err)
	snap, err := service.NextRound(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, domain.PhaseFinished, snap.Phase)

	require.Eventually(t, func() bool {
		_, err := service.Snapshot(ctx, "s1")
		return err == domain.ErrSessionNotFound
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, before, testutil.ToFloat64(telemetry.ActiveSessions))

	// the presenter stream ends with the final snapshot
	var last app.Snapshot
	for s := range watch {
		last = s
	}
	require.Equal(t, domain.PhaseFinished, last.Phase)

	// a later explicit end is a miss and does not count twice
	require.ErrorIs(t, service.EndSession(ctx, "s1"), domain.ErrSessionNotFound)
	require.Equal(t, before, testutil.ToFloat64(telemetry.ActiveSessions))
}

func TestJoinThroughLobbyOfAnotherInstance(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore()
	owner, _ := newSharedTestService(store)
	other, _ := newSharedTestService(store)

	_, err := owner.StartSession(ctx, app.StartSessionRequest{SessionID: "s1", DeckID: "instruments"})
	require.NoError(t, err)
	defer func() { _ = owner.EndSession(ctx, "s1") }()

	_, err = other.Join(ctx, "missing", "u1", "Alice")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)

	require.Eventually(t, func() bool {
		_, err := store.Read(ctx, app.SessionPath("s1"))
		return err == nil
	}, time.Second, 10*time.Millisecond)

	docs := make(chan map[string]any, 64)
	cancel, err := other.SubscribeDocument(ctx, "s1", func(v any) {
		if doc, ok := v.(map[string]any); ok {
			select {
			case docs <- doc:
			default:
			}
		}
	})
	require.NoError(t, err)
	defer cancel()

	p, err := other.Join(ctx, "s1", "u1", "Alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", p.DisplayName)

	require.Eventually(t, func() bool {
		snap, err := owner.Snapshot(ctx, "s1")
		return err == nil && snap.Participants == 1
	}, time.Second, 10*time.Millisecond)

	// the relayed document carries the participant the owner registered
	require.Eventually(t, func() bool {
		for {
			select {
			case doc := <-docs:
				participants, _ := doc["participants"].(map[string]any)
				if _, ok := participants["u1"]; ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)

	_, err = other.Join(ctx, "s1", "u1", "Alice")
	require.ErrorIs(t, err, domain.ErrDuplicateParticipant)
}

func TestJoinThroughLobbyRejectsFinishedSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore()
	require.NoError(t, store.Patch(ctx, app.SessionPath("s1"), map[string]any{"phase": string(domain.PhaseFinished)}))
	service, _ := newSharedTestService(store)

	_, err := service.Join(ctx, "s1", "u1", "Alice")
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = service.SubscribeDocument(ctx, "s1", func(any) {})
	require.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSubscribeDocumentFollowsSession(t *testing.T) {
	ctx := context.Background()
	service, _ := newTestService()
	_, err := service.StartSession(ctx, app.StartSessionRequest{SessionID: "s1", DeckID: "instruments"})
	require.NoError(t, err)

	docs := make(chan map[string]any, 16)
	cancel, err := service.SubscribeDocument(ctx, "s1", func(v any) {
		if doc, ok := v.(map[string]any); ok {
			docs <- doc
		}
	})
	require.NoError(t, err)
	defer cancel()

	_, err = service.Advance(ctx, "s1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for {
			select {
			case doc := <-docs:
				if doc["phase"] == string(domain.PhaseListening) {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}
