package domain

import (
	"fmt"
	"strings"
	"time"
)

// Phase is the state of a session's round state machine.
type Phase string

const (
	PhaseSetup        Phase = "setup"
	PhaseListening    Phase = "listening"
	PhaseGuessing     Phase = "guessing"
	PhasePowerPick    Phase = "power_pick"
	PhaseRevealing    Phase = "revealing"
	PhaseRoundSummary Phase = "round_summary"
	PhaseFinished     Phase = "finished"
)

// Phases lists every phase in declaration order.
var Phases = []Phase{
	PhaseSetup,
	PhaseListening,
	PhaseGuessing,
	PhasePowerPick,
	PhaseRevealing,
	PhaseRoundSummary,
	PhaseFinished,
}

// Timed reports whether the phase carries a startedAt timestamp.
func (p Phase) Timed() bool {
	switch p {
	case PhaseListening, PhaseGuessing, PhasePowerPick, PhaseRevealing:
		return true
	default:
		return false
	}
}

// AcceptsAnswers reports whether participants may lock in an answer.
func (p Phase) AcceptsAnswers() bool {
	return p == PhaseGuessing
}

// Modifier is a single-round power-up held by a participant.
type Modifier string

const (
	ModifierNone    Modifier = ""
	ModifierShield  Modifier = "shield"
	ModifierBonus   Modifier = "bonus"
	ModifierDouble  Modifier = "double"
	ModifierHint    Modifier = "hint"
	ModifierFreebie Modifier = "freebie"
)

// ParseModifier accepts the wire names of the closed modifier set; "none" and "" both clear.
func ParseModifier(raw string) (Modifier, error) {
	switch Modifier(raw) {
	case ModifierNone, ModifierShield, ModifierBonus, ModifierDouble, ModifierHint, ModifierFreebie:
		return Modifier(raw), nil
	}
	if raw == "none" {
		return ModifierNone, nil
	}
	return ModifierNone, ErrInvalidModifier
}

// Round is one scored prompt cycle. CorrectAnswer is fixed at creation.
type Round struct {
	Index         int
	Prompt        string
	CorrectAnswer string
	Phase         Phase
	StartedAt     *time.Time
}

// Participant is a connected player and their cumulative standing.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Score       int       `json:"score"`
	Streak      int       `json:"streak"`
	JoinedAt    time.Time `json:"joinedAt"`

	// per-round state, cleared on every round start
	CurrentAnswer *string    `json:"currentAnswer,omitempty"`
	AnsweredAt    *time.Time `json:"answeredAt,omitempty"`
	Modifier      Modifier   `json:"modifier,omitempty"`

	// picked during PowerPick, armed for the next round
	PendingModifier Modifier `json:"pendingModifier,omitempty"`

	LastDelta *ScoreDelta `json:"lastDelta,omitempty"`
}

// Answered reports whether the participant locked in an answer this round.
func (p *Participant) Answered() bool {
	return p.CurrentAnswer != nil
}

// ScoreDelta is the scoring outcome of one participant for one round.
type ScoreDelta struct {
	Correct        bool     `json:"correct"`
	Answered       bool     `json:"answered"`
	BasePoints     int      `json:"basePoints"`
	SpeedBonus     int      `json:"speedBonus"`
	StreakBonus    int      `json:"streakBonus"`
	ModifierEffect int      `json:"modifierEffect"`
	Modifier       Modifier `json:"modifier,omitempty"`
	Total          int      `json:"total"`
	NewStreak      int      `json:"newStreak"`
}

// LeaderboardEntry is a read-only view of a participant's standing.
type LeaderboardEntry struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Score         int    `json:"score"`
	Streak        int    `json:"streak"`
}

// RoundContent is the opaque prompt reference plus the answer for one round.
type RoundContent struct {
	Prompt        string `json:"prompt"`
	CorrectAnswer string `json:"correctAnswer"`
}

// Deck is an ordered set of round contents.
type Deck struct {
	ID     string         `json:"id"`
	Rounds []RoundContent `json:"rounds"`
}

// Validate reports whether the deck can back a session. A deck without rounds
// is treated as missing.
func (d Deck) Validate() error {
	if len(d.Rounds) == 0 {
		return fmt.Errorf("deck %s has no rounds: %w", d.ID, ErrDeckNotFound)
	}
	for i, r := range d.Rounds {
		if strings.TrimSpace(r.Prompt) == "" || strings.TrimSpace(r.CorrectAnswer) == "" {
			return fmt.Errorf("deck %s round %d is incomplete: %w", d.ID, i+1, ErrInvalidRoundCount)
		}
	}
	return nil
}

// Clone returns a deck that shares no memory with d.
func (d Deck) Clone() Deck {
	d.Rounds = append([]RoundContent(nil), d.Rounds...)
	return d
}

// SessionResult is the archived outcome of a finished session.
type SessionResult struct {
	SessionID   string             `json:"sessionId"`
	DeckID      string             `json:"deckId"`
	TotalRounds int                `json:"totalRounds"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
	FinishedAt  time.Time          `json:"finishedAt"`
}
