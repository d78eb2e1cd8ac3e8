// Package scoring computes per-round score deltas. It holds no state: callers
// persist the returned total and streak through the participant registry.
package scoring

import (
	"strings"
	"time"

	"classroom-round-service/internal/domain"
)

// Policy holds the numeric rules applied at reveal time.
type Policy struct {
	CorrectPoints int
	WrongPenalty  int
	SpeedWindow   time.Duration
	SpeedBonus    int
	StreakStep    int
	StreakCap     int
	StreakMinimum int
	FlatBonus     int
}

// DefaultPolicy is the canonical policy shared by every game variant.
func DefaultPolicy() Policy {
	return Policy{
		CorrectPoints: 15,
		WrongPenalty:  5,
		SpeedWindow:   3 * time.Second,
		SpeedBonus:    10,
		StreakStep:    5,
		StreakCap:     20,
		StreakMinimum: 2,
		FlatBonus:     15,
	}
}

// Score computes the delta for one participant against the round being revealed.
// round.StartedAt must be the moment guessing opened.
func (p Policy) Score(participant domain.Participant, round domain.Round) domain.ScoreDelta {
	delta := domain.ScoreDelta{Modifier: participant.Modifier}

	if participant.CurrentAnswer == nil {
		return delta
	}
	delta.Answered = true

	if !Matches(*participant.CurrentAnswer, round.CorrectAnswer) {
		switch participant.Modifier {
		case domain.ModifierShield:
			delta.BasePoints = 0
		case domain.ModifierFreebie:
			delta.BasePoints = 0
			delta.NewStreak = participant.Streak
		default:
			delta.BasePoints = -p.WrongPenalty
		}
		delta.Total = delta.BasePoints
		return delta
	}

	delta.Correct = true
	delta.BasePoints = p.CorrectPoints
	if participant.AnsweredAt != nil && round.StartedAt != nil &&
		participant.AnsweredAt.Sub(*round.StartedAt) < p.SpeedWindow {
		delta.SpeedBonus = p.SpeedBonus
	}

	delta.NewStreak = participant.Streak + 1
	if delta.NewStreak >= p.StreakMinimum {
		delta.StreakBonus = min(delta.NewStreak*p.StreakStep, p.StreakCap)
	}

	total := delta.BasePoints + delta.SpeedBonus + delta.StreakBonus
	base := total
	// bonus is added before double so double compounds it
	if participant.Modifier == domain.ModifierBonus {
		total += p.FlatBonus
	}
	if participant.Modifier == domain.ModifierDouble {
		total *= 2
	}
	delta.ModifierEffect = total - base
	delta.Total = total
	return delta
}

// Matches compares a submitted answer with the correct one, ignoring case and surrounding space.
func Matches(answer, correct string) bool {
	return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(correct))
}
