package app

import (
	"sort"
	"sync"
	"time"

	"classroom-round-service/internal/domain"
)

// Registry is the authoritative participant list of one session. Every
// mutation goes through its methods; callers only ever receive copies.
type Registry struct {
	mu           sync.RWMutex
	now          func() time.Time
	seq          int
	participants map[string]*member
}

type member struct {
	domain.Participant
	seq int
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		now:          now,
		participants: make(map[string]*member),
	}
}

// Join adds a participant with a zero score. Joining again with a known id
// refreshes the display name, keeps the standing and returns ErrDuplicateParticipant.
func (r *Registry) Join(id, displayName string) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.participants[id]; ok {
		if displayName != "" {
			m.DisplayName = displayName
		}
		return copyParticipant(m.Participant), domain.ErrDuplicateParticipant
	}

	r.seq++
	m := &member{
		Participant: domain.Participant{
			ID:          id,
			DisplayName: displayName,
			JoinedAt:    r.now(),
		},
		seq: r.seq,
	}
	r.participants[id] = m
	return copyParticipant(m.Participant), nil
}

// Leave drops a participant. Unknown ids are ignored.
func (r *Registry) Leave(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.participants, id)
}

// RecordAnswer locks in the first answer of the round. The check and the set
// happen under one lock, so concurrent submissions race to exactly one winner.
func (r *Registry) RecordAnswer(id, answer string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[id]
	if !ok {
		return domain.ErrUnknownParticipant
	}
	if m.CurrentAnswer != nil {
		return domain.ErrAlreadyLockedIn
	}
	m.CurrentAnswer = &answer
	m.AnsweredAt = &at
	return nil
}

// PickModifier stores a power-up for the next round.
func (r *Registry) PickModifier(id string, modifier domain.Modifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[id]
	if !ok {
		return domain.ErrUnknownParticipant
	}
	m.PendingModifier = modifier
	return nil
}

// ApplyDelta adds the delta total to the score and stores the resulting streak.
func (r *Registry) ApplyDelta(id string, delta domain.ScoreDelta) (domain.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, domain.ErrUnknownParticipant
	}
	m.Score += delta.Total
	m.Streak = delta.NewStreak
	d := delta
	m.LastDelta = &d
	return copyParticipant(m.Participant), nil
}

// ClearRoundState resets answers and arms pending power-ups as the active modifier.
func (r *Registry) ClearRoundState() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range r.participants {
		m.CurrentAnswer = nil
		m.AnsweredAt = nil
		m.Modifier = m.PendingModifier
		m.PendingModifier = domain.ModifierNone
		m.LastDelta = nil
	}
}

// Get returns a copy of one participant.
func (r *Registry) Get(id string) (domain.Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.participants[id]
	if !ok {
		return domain.Participant{}, false
	}
	return copyParticipant(m.Participant), true
}

// Participants returns copies in join order.
func (r *Registry) Participants() []domain.Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.joinOrderLocked()
	out := make([]domain.Participant, 0, len(ordered))
	for _, m := range ordered {
		out = append(out, copyParticipant(m.Participant))
	}
	return out
}

// Len reports how many participants are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// Leaderboard orders participants by score descending, ties by join order.
func (r *Registry) Leaderboard() []domain.LeaderboardEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ordered := r.joinOrderLocked()
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	entries := make([]domain.LeaderboardEntry, 0, len(ordered))
	for _, m := range ordered {
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: m.ID,
			DisplayName:   m.DisplayName,
			Score:         m.Score,
			Streak:        m.Streak,
		})
	}
	return entries
}

func (r *Registry) joinOrderLocked() []*member {
	ordered := make([]*member, 0, len(r.participants))
	for _, m := range r.participants {
		ordered = append(ordered, m)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].seq < ordered[j].seq
	})
	return ordered
}

func copyParticipant(p domain.Participant) domain.Participant {
	if p.CurrentAnswer != nil {
		a := *p.CurrentAnswer
		p.CurrentAnswer = &a
	}
	if p.AnsweredAt != nil {
		at := *p.AnsweredAt
		p.AnsweredAt = &at
	}
	if p.LastDelta != nil {
		d := *p.LastDelta
		p.LastDelta = &d
	}
	return p
}
