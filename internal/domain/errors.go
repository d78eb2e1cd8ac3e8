package domain

import "errors"

var (
	// ErrInvalidPhaseTransition is returned when a presenter command does not apply to the current phase.
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")
	// ErrRoundNotAccepting is returned for answers submitted outside the guessing phase.
	ErrRoundNotAccepting = errors.New("round is not accepting answers")
	// ErrAlreadyLockedIn is returned when a participant answers twice in one round.
	ErrAlreadyLockedIn = errors.New("answer already locked in")
	// ErrUnknownParticipant is returned when a participant acts before joining.
	ErrUnknownParticipant = errors.New("unknown participant")
	// ErrDuplicateParticipant is returned when a participant id joins twice.
	ErrDuplicateParticipant = errors.New("participant already joined")
	// ErrStoreUnavailable indicates the shared state store could not be reached.
	ErrStoreUnavailable = errors.New("shared state store unavailable")
	// ErrNotFound indicates a store path has never been written.
	ErrNotFound = errors.New("not found")

	// ErrSessionNotFound is returned when a session has not been started.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when starting a session with an id already in use.
	ErrSessionExists = errors.New("session already exists")
	// ErrDeckNotFound indicates the deck content could not be loaded.
	ErrDeckNotFound = errors.New("deck not found")
	// ErrInvalidRoundCount is returned when a session asks for more rounds than its deck holds.
	ErrInvalidRoundCount = errors.New("invalid round count")
	// ErrInvalidModifier is returned for modifier names outside the closed set.
	ErrInvalidModifier = errors.New("invalid modifier")
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrInvalidPhaseTransition, "InvalidPhaseTransition"},
	{ErrRoundNotAccepting, "RoundNotAccepting"},
	{ErrAlreadyLockedIn, "AlreadyLockedIn"},
	{ErrUnknownParticipant, "UnknownParticipant"},
	{ErrDuplicateParticipant, "DuplicateParticipant"},
	{ErrStoreUnavailable, "StoreUnavailable"},
	{ErrNotFound, "NotFound"},
	{ErrSessionNotFound, "SessionNotFound"},
	{ErrSessionExists, "SessionExists"},
	{ErrDeckNotFound, "DeckNotFound"},
	{ErrInvalidRoundCount, "InvalidRoundCount"},
	{ErrInvalidModifier, "InvalidModifier"},
}

// ErrorKind names the taxonomy entry an error belongs to, or "Internal".
func ErrorKind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}
