package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/doctree"
	"classroom-round-service/internal/scoring"
	"classroom-round-service/internal/telemetry"
)

// SessionRepository abstracts where running schedulers are kept (in-memory, Redis-marked, etc).
type SessionRepository interface {
	Add(s *Scheduler) error
	Get(sessionID string) (*Scheduler, bool)
	Delete(sessionID string)
	// Refresh renews whatever marks the session as driven by this instance.
	Refresh(sessionID string)
}

// DeckRepository loads round content (from cache/backing store).
type DeckRepository interface {
	GetDeck(ctx context.Context, deckID string) (domain.Deck, error)
}

// ResultSink archives finished sessions.
type ResultSink interface {
	Archive(ctx context.Context, result domain.SessionResult) error
}

// GameSettings are the per-session knobs a presenter may override.
type GameSettings struct {
	Timing      Timing
	PowerPick   bool
	SpeedWindow time.Duration
}

// GameService contains the presenter and participant use cases.
type GameService struct {
	sessions SessionRepository
	decks    DeckRepository
	store    StateStore

	defaults   GameSettings
	results    ResultSink
	now        func() time.Time
	afterFunc  func(time.Duration, func()) Timer
	newBackOff func() backoff.BackOff

	// mu serialises removal so a session is only closed and counted once.
	mu sync.Mutex
}

// Option customises a GameService.
type Option func(*GameService)

// WithDefaults sets the settings used when a session does not override them.
func WithDefaults(settings GameSettings) Option {
	return func(s *GameService) { s.defaults = settings }
}

// WithResultSink archives every finished session.
func WithResultSink(sink ResultSink) Option {
	return func(s *GameService) { s.results = sink }
}

// WithClock replaces time.Now and time.AfterFunc, for deterministic tests.
func WithClock(now func() time.Time, afterFunc func(time.Duration, func()) Timer) Option {
	return func(s *GameService) {
		s.now = now
		s.afterFunc = afterFunc
	}
}

// WithBackOff sets the retry policy for failed store patches.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(s *GameService) { s.newBackOff = newBackOff }
}

func NewGameService(sessions SessionRepository, decks DeckRepository, store StateStore, opts ...Option) *GameService {
	s := &GameService{
		sessions: sessions,
		decks:    decks,
		store:    store,
		now:      time.Now,
		defaults: GameSettings{
			Timing: Timing{
				Listen:     10 * time.Second,
				RevealHold: 5 * time.Second,
				PowerPick:  15 * time.Second,
			},
			PowerPick:   true,
			SpeedWindow: scoring.DefaultPolicy().SpeedWindow,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartSessionRequest describes a new session.
type StartSessionRequest struct {
	// SessionID is generated when empty.
	SessionID string
	DeckID    string
	// TotalRounds defaults to the whole deck.
	TotalRounds int
	Settings    *GameSettings
}

// StartSession loads the deck and creates a scheduler in Setup.
func (s *GameService) StartSession(ctx context.Context, req StartSessionRequest) (Snapshot, error) {
	deck, err := s.decks.GetDeck(ctx, req.DeckID)
	if err != nil {
		return Snapshot{}, err
	}

	total := req.TotalRounds
	if total == 0 {
		total = len(deck.Rounds)
	}
	if total <= 0 || total > len(deck.Rounds) {
		return Snapshot{}, fmt.Errorf("%w: %d rounds requested, deck %s has %d",
			domain.ErrInvalidRoundCount, req.TotalRounds, deck.ID, len(deck.Rounds))
	}

	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.sessions.Get(id); exists {
		return Snapshot{}, domain.ErrSessionExists
	}

	settings := s.defaults
	if req.Settings != nil {
		settings = *req.Settings
	}
	policy := scoring.DefaultPolicy()
	if settings.SpeedWindow > 0 {
		policy.SpeedWindow = settings.SpeedWindow
	}

	scheduler := NewScheduler(SchedulerConfig{
		SessionID:        id,
		DeckID:           deck.ID,
		Rounds:           append([]domain.RoundContent(nil), deck.Rounds[:total]...),
		Timing:           settings.Timing,
		PowerPickEnabled: settings.PowerPick,
		Policy:           policy,
		Store:            s.store,
		Now:              s.now,
		AfterFunc:        s.afterFunc,
		NewBackOff:       s.newBackOff,
		OnFinished:       s.finish,
		OnTransition: func(phase domain.Phase) {
			if phase != domain.PhaseFinished {
				s.sessions.Refresh(id)
			}
		},
	})
	if err := s.sessions.Add(scheduler); err != nil {
		scheduler.Close()
		return Snapshot{}, err
	}
	scheduler.Open()
	telemetry.ActiveSessions.Inc()
	slog.InfoContext(ctx, "game: session started", "session", id, "deck", deck.ID, "rounds", total)
	return scheduler.Snapshot(), nil
}

// Advance performs the transition implied by the session's phase and elapsed time.
func (s *GameService) Advance(_ context.Context, sessionID string) (Snapshot, error) {
	sch, err := s.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return sch.Advance()
}

// ForceReveal ends guessing now.
func (s *GameService) ForceReveal(_ context.Context, sessionID string) (Snapshot, error) {
	sch, err := s.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return sch.ForceReveal()
}

// NextRound leaves the round summary.
func (s *GameService) NextRound(_ context.Context, sessionID string) (Snapshot, error) {
	sch, err := s.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return sch.NextRound()
}

// SkipTimer ends the current timed phase early.
func (s *GameService) SkipTimer(_ context.Context, sessionID string) (Snapshot, error) {
	sch, err := s.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return sch.SkipTimer()
}

// Join registers or refreshes a participant in a session. A session driven by
// another instance is joined through its lobby, which the owner reconciles.
func (s *GameService) Join(ctx context.Context, sessionID, participantID, displayName string) (domain.Participant, error) {
	sch, err := s.get(sessionID)
	if err == nil {
		return sch.Join(participantID, displayName)
	}

	doc, err := s.sharedDocument(ctx, sessionID)
	if err != nil {
		return domain.Participant{}, err
	}
	p := domain.Participant{ID: participantID, DisplayName: displayName, JoinedAt: s.now()}
	if participants, ok := doc["participants"].(map[string]any); ok {
		if _, joined := participants[participantID]; joined {
			return p, domain.ErrDuplicateParticipant
		}
	}
	lobby := doctree.Join(SessionPath(sessionID), "lobby", participantID)
	if err := s.store.Patch(ctx, lobby, map[string]any{"name": displayName}); err != nil {
		return domain.Participant{}, fmt.Errorf("join %s through lobby: %w", sessionID, err)
	}
	slog.InfoContext(ctx, "game: participant queued in lobby", "session", sessionID, "participant", participantID)
	return p, nil
}

// SubmitAnswer locks in an answer stamped with the server clock.
func (s *GameService) SubmitAnswer(_ context.Context, sessionID, participantID, answer string) error {
	sch, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return sch.SubmitAnswer(participantID, answer, s.now())
}

// PickModifier records a power-up choice.
func (s *GameService) PickModifier(_ context.Context, sessionID, participantID, modifier string) error {
	m, err := domain.ParseModifier(modifier)
	if err != nil {
		return err
	}
	sch, err := s.get(sessionID)
	if err != nil {
		return err
	}
	return sch.PickModifier(participantID, m)
}

// Leave removes a participant from a session.
func (s *GameService) Leave(_ context.Context, sessionID, participantID string) {
	sch, err := s.get(sessionID)
	if err != nil {
		return
	}
	sch.Leave(participantID)
}

// Snapshot returns the presenter view of a session.
func (s *GameService) Snapshot(_ context.Context, sessionID string) (Snapshot, error) {
	sch, err := s.get(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	return sch.Snapshot(), nil
}

// Watch returns a channel of presenter snapshots for a session.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *GameService) Watch(_ context.Context, sessionID string) (<-chan Snapshot, func(), error) {
	sch, err := s.get(sessionID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := sch.Watch()
	return ch, cancel, nil
}

// SubscribeDocument follows the shared session document, as participants see it.
// Sessions driven by another instance are relayed from the store alone.
func (s *GameService) SubscribeDocument(ctx context.Context, sessionID string, fn func(any)) (func(), error) {
	if _, err := s.get(sessionID); err != nil {
		if _, err := s.sharedDocument(ctx, sessionID); err != nil {
			return nil, err
		}
	}
	return s.store.Subscribe(ctx, SessionPath(sessionID), fn)
}

// EndSession stops a session and forgets it.
func (s *GameService) EndSession(_ context.Context, sessionID string) error {
	if !s.remove(sessionID) {
		return domain.ErrSessionNotFound
	}
	return nil
}

func (s *GameService) remove(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.sessions.Get(sessionID)
	if !ok {
		return false
	}
	// counted out before the session disappears from lookups
	telemetry.ActiveSessions.Dec()
	s.sessions.Delete(sessionID)
	sch.Close()
	return true
}

// sharedDocument reads a live session document published by any instance.
func (s *GameService) sharedDocument(ctx context.Context, sessionID string) (map[string]any, error) {
	v, err := s.store.Read(ctx, SessionPath(sessionID))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	doc, ok := v.(map[string]any)
	if !ok || doc["phase"] == nil || doc["phase"] == string(domain.PhaseFinished) {
		return nil, domain.ErrSessionNotFound
	}
	return doc, nil
}

func (s *GameService) get(sessionID string) (*Scheduler, error) {
	sch, ok := s.sessions.Get(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return sch, nil
}

// finish archives a finished session and evicts it.
func (s *GameService) finish(result domain.SessionResult) {
	s.archive(result)
	s.remove(result.SessionID)
	slog.Info("game: session evicted", "session", result.SessionID)
}

func (s *GameService) archive(result domain.SessionResult) {
	if s.results == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.results.Archive(ctx, result); err != nil {
		slog.ErrorContext(ctx, "game: archive result failed", "session", result.SessionID, "error", err)
	}
}
