package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"classroom-round-service/internal/domain"
	"classroom-round-service/internal/infra/doctree"
	"classroom-round-service/internal/scoring"
	"classroom-round-service/internal/telemetry"
)

// Timer is the handle returned by SchedulerConfig.AfterFunc.
type Timer interface {
	Stop() bool
}

// Timing holds the durations of the timed phases. A zero AutoReveal disables
// the guessing timeout; the other zero values make the phase end on the
// next Advance call.
type Timing struct {
	Listen     time.Duration
	RevealHold time.Duration
	AutoReveal time.Duration
	PowerPick  time.Duration
}

// SchedulerConfig wires a scheduler to its content and collaborators.
type SchedulerConfig struct {
	SessionID        string
	DeckID           string
	Rounds           []domain.RoundContent
	Timing           Timing
	PowerPickEnabled bool
	Policy           scoring.Policy
	Store            StateStore

	Now        func() time.Time
	AfterFunc  func(d time.Duration, f func()) Timer
	NewBackOff func() backoff.BackOff
	OnFinished func(domain.SessionResult)
	// OnTransition runs on its own goroutine after every phase change.
	OnTransition func(domain.Phase)
}

// Snapshot is the presenter-side view of a session.
type Snapshot struct {
	SessionID     string                       `json:"sessionId"`
	Phase         domain.Phase                 `json:"phase"`
	RoundIndex    int                          `json:"roundIndex"`
	TotalRounds   int                          `json:"totalRounds"`
	Prompt        string                       `json:"prompt,omitempty"`
	CorrectAnswer string                       `json:"correctAnswer,omitempty"`
	StartedAt     *time.Time                   `json:"startedAt,omitempty"`
	Answered      int                          `json:"answered"`
	Participants  int                          `json:"participants"`
	Leaderboard   []domain.LeaderboardEntry    `json:"leaderboard"`
	Deltas        map[string]domain.ScoreDelta `json:"deltas,omitempty"`
	Leader        string                       `json:"leader,omitempty"`
	NewLeader     bool                         `json:"newLeader,omitempty"`
	SyncDegraded  bool                         `json:"syncDegraded"`
}

// Scheduler is the single authoritative driver of one session. It owns the
// phase, the current round and the participant registry; participants only
// ever reach that state through its methods.
type Scheduler struct {
	cfg      SchedulerConfig
	registry *Registry
	sync     *syncer
	path     string

	// mu guards the phase machine. Transitions take it exclusively; answer
	// submissions share it, so a submission can never straddle a transition.
	mu        sync.RWMutex
	phase     domain.Phase
	round     *domain.Round
	guessedAt *time.Time
	deltas    map[string]domain.ScoreDelta
	leader    string
	newLeader bool
	timer     Timer
	opened    bool
	closed    bool

	watchMu  sync.Mutex
	watchers map[chan Snapshot]struct{}

	lobbyCancel func()
}

// NewScheduler creates a session in Setup. Nothing is written to the store
// until Open.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
	}
	if cfg.Policy == (scoring.Policy{}) {
		cfg.Policy = scoring.DefaultPolicy()
	}

	s := &Scheduler{
		cfg:      cfg,
		registry: NewRegistry(cfg.Now),
		path:     SessionPath(cfg.SessionID),
		phase:    domain.PhaseSetup,
		watchers: make(map[chan Snapshot]struct{}),
	}
	s.sync = newSyncer(cfg.Store, cfg.SessionID, cfg.NewBackOff, s.onSyncChange)
	return s
}

// Open publishes the Setup document and starts following the lobby. Call it
// once the session id is owned, so a rejected session never touches the store.
func (s *Scheduler) Open() {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return
	}
	s.opened = true
	cfg := s.cfg
	s.sync.enqueue(s.path, map[string]any{
		"phase":       domain.PhaseSetup,
		"roundIndex":  0,
		"totalRounds": len(cfg.Rounds),
		"timing": map[string]any{
			"listenMs":     cfg.Timing.Listen.Milliseconds(),
			"revealHoldMs": cfg.Timing.RevealHold.Milliseconds(),
			"autoRevealMs": cfg.Timing.AutoReveal.Milliseconds(),
			"powerPickMs":  cfg.Timing.PowerPick.Milliseconds(),
		},
	})
	s.mu.Unlock()
	telemetry.PhaseTransitions.WithLabelValues(string(domain.PhaseSetup)).Inc()

	s.watchLobby()
}

// SessionPath is the document path of a session.
func SessionPath(sessionID string) string {
	return doctree.Join("sessions", sessionID)
}

// ID returns the session id.
func (s *Scheduler) ID() string {
	return s.cfg.SessionID
}

// Phase returns the current phase.
func (s *Scheduler) Phase() domain.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Registry exposes the participant read model.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// SyncDegraded reports whether the last store patch was dropped.
func (s *Scheduler) SyncDegraded() bool {
	return s.sync.isDegraded()
}

// Flush waits until every store patch issued so far has been attempted.
func (s *Scheduler) Flush() {
	s.sync.flush()
}

// Advance performs the transition implied by the current phase and the
// elapsed time. Calling it before a timed phase is over is a no-op, as is
// calling it once the session is finished.
func (s *Scheduler) Advance() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := s.elapsedLocked()
	t := s.cfg.Timing
	switch s.phase {
	case domain.PhaseSetup:
		s.enterListeningLocked(1)
	case domain.PhaseListening:
		if elapsed >= t.Listen {
			s.enterGuessingLocked()
		}
	case domain.PhaseGuessing:
		if t.AutoReveal > 0 && elapsed >= t.AutoReveal {
			s.revealLocked()
		}
	case domain.PhaseRevealing:
		if elapsed >= t.RevealHold {
			s.afterRevealLocked()
		}
	case domain.PhasePowerPick:
		if elapsed >= t.PowerPick {
			s.enterSummaryLocked()
		}
	case domain.PhaseRoundSummary:
		s.nextRoundLocked()
	case domain.PhaseFinished:
	}
	return s.snapshotLocked(), nil
}

// ForceReveal ends guessing immediately.
func (s *Scheduler) ForceReveal() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != domain.PhaseGuessing {
		return s.snapshotLocked(), domain.ErrInvalidPhaseTransition
	}
	s.revealLocked()
	return s.snapshotLocked(), nil
}

// NextRound leaves the round summary for the next round or the end of the session.
func (s *Scheduler) NextRound() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != domain.PhaseRoundSummary {
		return s.snapshotLocked(), domain.ErrInvalidPhaseTransition
	}
	s.nextRoundLocked()
	return s.snapshotLocked(), nil
}

// SkipTimer cuts the current timed phase short.
func (s *Scheduler) SkipTimer() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.expireLocked() {
		return s.snapshotLocked(), domain.ErrInvalidPhaseTransition
	}
	return s.snapshotLocked(), nil
}

// SubmitAnswer locks in a participant's first answer of the guessing phase.
func (s *Scheduler) SubmitAnswer(participantID, answer string, at time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.phase.AcceptsAnswers() {
		telemetry.Answers.WithLabelValues("not_accepting").Inc()
		return domain.ErrRoundNotAccepting
	}
	if err := s.registry.RecordAnswer(participantID, answer, at); err != nil {
		telemetry.Answers.WithLabelValues(domain.ErrorKind(err)).Inc()
		return err
	}
	telemetry.Answers.WithLabelValues("accepted").Inc()

	// the answer itself stays private until reveal
	s.sync.enqueue(participantPath(s.cfg.SessionID, participantID), map[string]any{"answered": true})
	s.broadcastLocked()
	return nil
}

// PickModifier records a power-up for the next round while picking is open.
func (s *Scheduler) PickModifier(participantID string, modifier domain.Modifier) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.phase != domain.PhasePowerPick {
		return domain.ErrRoundNotAccepting
	}
	if err := s.registry.PickModifier(participantID, modifier); err != nil {
		return err
	}
	var picked any
	if modifier != domain.ModifierNone {
		picked = modifier
	}
	s.sync.enqueue(participantPath(s.cfg.SessionID, participantID), map[string]any{"picked": picked})
	return nil
}

// Join registers a participant. A repeated join refreshes the name and keeps
// the score; it still returns ErrDuplicateParticipant.
func (s *Scheduler) Join(participantID, displayName string) (domain.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, err := s.registry.Join(participantID, displayName)
	fields := map[string]any{"name": p.DisplayName}
	if err == nil {
		fields["score"] = 0
		fields["streak"] = 0
		fields["answered"] = false
		slog.Info("scheduler: participant joined", "session", s.cfg.SessionID, "participant", participantID)
	}
	s.sync.enqueue(participantPath(s.cfg.SessionID, participantID), fields)
	s.broadcastLocked()
	return p, err
}

// Leave removes a participant from the session and its document.
func (s *Scheduler) Leave(participantID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	s.registry.Leave(participantID)
	s.sync.enqueue(s.path, map[string]any{"participants/" + participantID: nil})
	s.broadcastLocked()
}

// Snapshot returns the current presenter view.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Watch streams snapshots after every change, starting with the current one.
// The caller must invoke the returned cancel function.
func (s *Scheduler) Watch() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	// holding mu keeps transitions out until the initial snapshot is queued
	s.mu.RLock()
	s.watchMu.Lock()
	ch <- s.snapshotLocked()
	if s.closed {
		close(ch)
	} else {
		s.watchers[ch] = struct{}{}
	}
	s.watchMu.Unlock()
	s.mu.RUnlock()

	cancel := func() {
		s.watchMu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
			close(ch)
		}
		s.watchMu.Unlock()
	}
	return ch, cancel
}

// Close stops timers and subscriptions and drains pending store patches.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.stopTimerLocked()
	lobbyCancel := s.lobbyCancel
	s.mu.Unlock()

	if lobbyCancel != nil {
		lobbyCancel()
	}
	s.sync.close()

	s.watchMu.Lock()
	for ch := range s.watchers {
		delete(s.watchers, ch)
		close(ch)
	}
	s.watchMu.Unlock()
}

func (s *Scheduler) enterListeningLocked(index int) {
	content := s.cfg.Rounds[index-1]
	now := s.cfg.Now()
	s.round = &domain.Round{
		Index:         index,
		Prompt:        content.Prompt,
		CorrectAnswer: content.CorrectAnswer,
	}
	s.guessedAt = nil
	s.deltas = nil
	s.newLeader = false
	s.setPhaseLocked(domain.PhaseListening, &now, map[string]any{
		"roundIndex":    index,
		"prompt":        content.Prompt,
		"correctAnswer": nil,
		"leader":        nil,
	})
	s.scheduleLocked(s.cfg.Timing.Listen)
}

func (s *Scheduler) enterGuessingLocked() {
	s.registry.ClearRoundState()
	now := s.cfg.Now()
	s.guessedAt = &now

	fields := map[string]any{}
	for _, p := range s.registry.Participants() {
		prefix := "participants/" + p.ID + "/"
		fields[prefix+"answered"] = false
		fields[prefix+"currentAnswer"] = nil
		fields[prefix+"lastDelta"] = nil
		fields[prefix+"picked"] = nil
		if p.Modifier != domain.ModifierNone {
			fields[prefix+"modifier"] = p.Modifier
		} else {
			fields[prefix+"modifier"] = nil
		}
	}
	s.setPhaseLocked(domain.PhaseGuessing, &now, fields)
	s.scheduleLocked(s.cfg.Timing.AutoReveal)
}

// revealLocked scores every registered participant, answered or not, against
// the round as it stood while guessing was open.
func (s *Scheduler) revealLocked() {
	scored := *s.round
	scored.StartedAt = s.guessedAt

	before := s.registry.Leaderboard()
	participants := s.registry.Participants()
	s.deltas = make(map[string]domain.ScoreDelta, len(participants))

	fields := map[string]any{"correctAnswer": s.round.CorrectAnswer}
	for _, p := range participants {
		delta := s.cfg.Policy.Score(p, scored)
		updated, err := s.registry.ApplyDelta(p.ID, delta)
		if err != nil {
			continue
		}
		s.deltas[p.ID] = delta

		prefix := "participants/" + p.ID + "/"
		fields[prefix+"score"] = updated.Score
		fields[prefix+"streak"] = updated.Streak
		fields[prefix+"lastDelta"] = delta
		if p.CurrentAnswer != nil {
			fields[prefix+"currentAnswer"] = *p.CurrentAnswer
		}
	}

	after := s.registry.Leaderboard()
	s.leader, s.newLeader = "", false
	if len(after) > 0 && after[0].Score > 0 {
		s.leader = after[0].ParticipantID
		s.newLeader = len(before) == 0 || before[0].ParticipantID != s.leader || before[0].Score <= 0
		fields["leader"] = s.leader
	}

	now := s.cfg.Now()
	s.setPhaseLocked(domain.PhaseRevealing, &now, fields)
	s.scheduleLocked(s.cfg.Timing.RevealHold)
}

func (s *Scheduler) afterRevealLocked() {
	more := s.round.Index < len(s.cfg.Rounds)
	if s.cfg.PowerPickEnabled && more && s.round.Index > 1 {
		now := s.cfg.Now()
		s.setPhaseLocked(domain.PhasePowerPick, &now, nil)
		s.scheduleLocked(s.cfg.Timing.PowerPick)
		return
	}
	s.enterSummaryLocked()
}

func (s *Scheduler) enterSummaryLocked() {
	s.setPhaseLocked(domain.PhaseRoundSummary, nil, nil)
}

func (s *Scheduler) nextRoundLocked() {
	if s.round.Index < len(s.cfg.Rounds) {
		s.enterListeningLocked(s.round.Index + 1)
		return
	}
	s.setPhaseLocked(domain.PhaseFinished, nil, nil)

	if s.cfg.OnFinished != nil {
		result := domain.SessionResult{
			SessionID:   s.cfg.SessionID,
			DeckID:      s.cfg.DeckID,
			TotalRounds: len(s.cfg.Rounds),
			Leaderboard: s.registry.Leaderboard(),
			FinishedAt:  s.cfg.Now(),
		}
		go s.cfg.OnFinished(result)
	}
}

// expireLocked ends the current timed phase as if its timer had fired.
func (s *Scheduler) expireLocked() bool {
	switch s.phase {
	case domain.PhaseListening:
		s.enterGuessingLocked()
	case domain.PhaseGuessing:
		s.revealLocked()
	case domain.PhaseRevealing:
		s.afterRevealLocked()
	case domain.PhasePowerPick:
		s.enterSummaryLocked()
	default:
		return false
	}
	return true
}

func (s *Scheduler) setPhaseLocked(phase domain.Phase, startedAt *time.Time, extra map[string]any) {
	s.stopTimerLocked()
	s.phase = phase
	if s.round != nil {
		s.round.Phase = phase
		s.round.StartedAt = startedAt
	}

	fields := map[string]any{"phase": phase, "roundIndex": s.roundIndexLocked(), "startedAt": nil}
	if startedAt != nil {
		fields["startedAt"] = startedAt.UnixMilli()
	}
	for k, v := range extra {
		fields[k] = v
	}
	s.sync.enqueue(s.path, fields)

	telemetry.PhaseTransitions.WithLabelValues(string(phase)).Inc()
	slog.Info("scheduler: phase changed", "session", s.cfg.SessionID, "phase", phase, "round", s.roundIndexLocked())
	if s.cfg.OnTransition != nil {
		go s.cfg.OnTransition(phase)
	}
	s.broadcastLocked()
}

func (s *Scheduler) scheduleLocked(d time.Duration) {
	if d <= 0 || s.closed {
		return
	}
	phase, index := s.phase, s.roundIndexLocked()
	s.timer = s.cfg.AfterFunc(d, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		// a stale timer from an earlier phase must not move the session
		if s.closed || s.phase != phase || s.roundIndexLocked() != index {
			return
		}
		s.expireLocked()
	})
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) elapsedLocked() time.Duration {
	if s.round == nil || s.round.StartedAt == nil {
		return 0
	}
	return s.cfg.Now().Sub(*s.round.StartedAt)
}

func (s *Scheduler) roundIndexLocked() int {
	if s.round == nil {
		return 0
	}
	return s.round.Index
}

func (s *Scheduler) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:    s.cfg.SessionID,
		Phase:        s.phase,
		RoundIndex:   s.roundIndexLocked(),
		TotalRounds:  len(s.cfg.Rounds),
		Leaderboard:  s.registry.Leaderboard(),
		Leader:       s.leader,
		NewLeader:    s.newLeader,
		SyncDegraded: s.sync.isDegraded(),
	}
	if s.round != nil {
		snap.Prompt = s.round.Prompt
		if s.round.StartedAt != nil {
			at := *s.round.StartedAt
			snap.StartedAt = &at
		}
		if s.revealedLocked() {
			snap.CorrectAnswer = s.round.CorrectAnswer
		}
	}
	for _, p := range s.registry.Participants() {
		snap.Participants++
		if p.Answered() {
			snap.Answered++
		}
	}
	if len(s.deltas) > 0 {
		snap.Deltas = make(map[string]domain.ScoreDelta, len(s.deltas))
		for id, d := range s.deltas {
			snap.Deltas[id] = d
		}
	}
	return snap
}

func (s *Scheduler) revealedLocked() bool {
	switch s.phase {
	case domain.PhaseRevealing, domain.PhasePowerPick, domain.PhaseRoundSummary, domain.PhaseFinished:
		return true
	default:
		return false
	}
}

// broadcastLocked sends the current snapshot to every watcher, replacing a
// stale one a slow watcher has not read yet. Callers hold mu; the snapshot is
// taken under watchMu so watchers never receive states out of order.
func (s *Scheduler) broadcastLocked() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	snap := s.snapshotLocked()
	for ch := range s.watchers {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

func (s *Scheduler) onSyncChange(degraded bool) {
	if degraded {
		slog.Error("scheduler: shared state sync degraded", "session", s.cfg.SessionID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.broadcastLocked()
}

// watchLobby joins participants announced under sessions/{id}/lobby by other
// writers. Each callback is treated as the full latest lobby, so repeated
// deliveries only refresh names.
func (s *Scheduler) watchLobby() {
	if s.cfg.Store == nil {
		return
	}
	cancel, err := s.cfg.Store.Subscribe(context.Background(), doctree.Join(s.path, "lobby"), func(v any) {
		entries, ok := v.(map[string]any)
		if !ok {
			return
		}
		for id, raw := range entries {
			name := ""
			if entry, ok := raw.(map[string]any); ok {
				name, _ = entry["name"].(string)
			}
			if _, known := s.registry.Get(id); known {
				continue
			}
			_, _ = s.Join(id, name)
		}
	})
	if err != nil {
		slog.Warn("scheduler: lobby subscription failed", "session", s.cfg.SessionID, "error", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		cancel()
		return
	}
	s.lobbyCancel = cancel
}

func participantPath(sessionID, participantID string) string {
	return doctree.Join("sessions", sessionID, "participants", participantID)
}
