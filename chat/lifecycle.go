package chat

import (
	"github.com/pkg/errors"

	"duckchat/models"
)

// ErrInvalidTransition is returned when a send is moved to a state it cannot
// reach from its current one.
var ErrInvalidTransition = errors.New("chat: invalid send state transition")

// SendState is the lifecycle position of one outgoing message.
type SendState int

const (
	StateComposing SendState = iota
	StateOptimistic
	StateConfirmed
	StateFailed
)

func (s SendState) String() string {
	switch s {
	case StateComposing:
		return "composing"
	case StateOptimistic:
		return "optimistic"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s SendState) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

func (s SendState) transition(next SendState) (SendState, error) {
	switch {
	case s == StateComposing && next == StateOptimistic:
	case s == StateOptimistic && (next == StateConfirmed || next == StateFailed):
	default:
		return s, errors.Wrapf(ErrInvalidTransition, "%s -> %s", s, next)
	}
	return next, nil
}

// Outgoing tracks one message from composition to confirmation or failure.
type Outgoing struct {
	// LocalID is the temporary id the message carried while optimistic.
	LocalID string
	// Message is the current view: the optimistic record, then the confirmed
	// server record with plaintext content.
	Message models.Message
	State   SendState
	// LocalSaveErr is set when the local copy could not be written; the
	// message itself may still have been delivered.
	LocalSaveErr error
}

func (o *Outgoing) advance(next SendState) error {
	state, err := o.State.transition(next)
	if err != nil {
		return err
	}
	o.State = state
	return nil
}
