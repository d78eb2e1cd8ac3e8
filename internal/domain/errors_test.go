package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorKind(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"sentinel":       {err: ErrAlreadyLockedIn, want: "AlreadyLockedIn"},
		"wrapped":        {err: fmt.Errorf("load deck x: %w", ErrDeckNotFound), want: "DeckNotFound"},
		"store":          {err: fmt.Errorf("patch: %w", ErrStoreUnavailable), want: "StoreUnavailable"},
		"unknown":        {err: errors.New("boom"), want: "Internal"},
		"phase rejected": {err: ErrInvalidPhaseTransition, want: "InvalidPhaseTransition"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, ErrorKind(tc.err))
		})
	}
}

func TestParseModifier(t *testing.T) {
	for _, raw := range []string{"shield", "bonus", "double", "hint", "freebie"} {
		m, err := ParseModifier(raw)
		require.NoError(t, err)
		require.Equal(t, Modifier(raw), m)
	}

	m, err := ParseModifier("none")
	require.NoError(t, err)
	require.Equal(t, ModifierNone, m)

	_, err = ParseModifier("triple")
	require.ErrorIs(t, err, ErrInvalidModifier)
}

func TestPhaseFlags(t *testing.T) {
	for _, p := range Phases {
		require.Equal(t, p == PhaseGuessing, p.AcceptsAnswers(), p)
	}
	require.True(t, PhasePowerPick.Timed())
	require.False(t, PhaseRoundSummary.Timed())
}

func TestDeckValidate(t *testing.T) {
	tests := map[string]struct {
		deck Deck
		want error
	}{
		"complete":     {deck: Deck{ID: "d", Rounds: []RoundContent{{Prompt: "a.mp3", CorrectAnswer: "violin"}}}},
		"no rounds":    {deck: Deck{ID: "d"}, want: ErrDeckNotFound},
		"blank answer": {deck: Deck{ID: "d", Rounds: []RoundContent{{Prompt: "a.mp3", CorrectAnswer: " "}}}, want: ErrInvalidRoundCount},
		"missing clip": {deck: Deck{ID: "d", Rounds: []RoundContent{{CorrectAnswer: "tuba"}}}, want: ErrInvalidRoundCount},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			err := tc.deck.Validate()
			if tc.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDeckCloneIsIndependent(t *testing.T) {
	deck := Deck{ID: "d", Rounds: []RoundContent{{Prompt: "a.mp3", CorrectAnswer: "violin"}}}
	clone := deck.Clone()
	clone.Rounds[0].CorrectAnswer = "tuba"
	require.Equal(t, "violin", deck.Rounds[0].CorrectAnswer)
}
