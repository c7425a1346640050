// Package lifecycle defines the game night states and the transitions
// allowed between them.
package lifecycle

import (
	"github.com/Gopher0727/GameNight/internal/apperr"
)

type State string

const (
	Scheduled        State = "Scheduled"
	AvailabilityOpen State = "AvailabilityOpen"
	Finalized        State = "Finalized"
	GamePollOpen     State = "GamePollOpen"
	Completed        State = "Completed"
	Cancelled        State = "Cancelled"
)

// Cancel reasons recorded on the night and carried by the Cancelled event.
const (
	ReasonOrganizer       = "organizer"
	ReasonNoAttendees     = "no_attendees"
	ReasonNoSuitableGames = "no_suitable_games"
)

var transitions = map[State][]State{
	Scheduled:        {AvailabilityOpen, Cancelled},
	AvailabilityOpen: {Finalized, Cancelled},
	Finalized:        {GamePollOpen, Cancelled},
	GamePollOpen:     {Completed, Cancelled},
}

// All lists every state in lifecycle order.
func All() []State {
	return []State{Scheduled, AvailabilityOpen, Finalized, GamePollOpen, Completed, Cancelled}
}

func (s State) Valid() bool {
	switch s {
	case Scheduled, AvailabilityOpen, Finalized, GamePollOpen, Completed, Cancelled:
		return true
	}
	return false
}

func (s State) Terminal() bool {
	return s == Completed || s == Cancelled
}

// Rank orders states along the happy path; Cancelled ranks last.
func (s State) Rank() int {
	for i, st := range All() {
		if st == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s has reached other on the happy path.
func (s State) AtLeast(other State) bool {
	return s != Cancelled && s.Rank() >= other.Rank()
}

func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Check validates a transition. expected is the source state the caller
// requires; actual is the state currently stored.
func Check(expected, actual, to State) error {
	if actual != expected || !CanTransition(expected, to) {
		return apperr.InvalidTransition(string(expected), string(actual))
	}
	return nil
}

// CancelSource returns the error for cancelling from s, or nil when the
// cancel is allowed. Cancelling a cancelled night is reported as allowed
// and handled as a no-op by the caller.
func CancelSource(s State) error {
	if s == Completed {
		return apperr.InvalidTransition("non-terminal state", string(s))
	}
	return nil
}
