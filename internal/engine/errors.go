package engine

import (
	"errors"
	"fmt"
)

// TurnPhase names the stage of the turn loop where a failure occurred.
type TurnPhase string

const (
	PhasePersist   TurnPhase = "persist"
	PhaseModelCall TurnPhase = "model_call"
	PhaseApproval  TurnPhase = "approval"
	PhaseExecution TurnPhase = "execution"
)

// ErrRoundCapReached is returned when a turn exhausts its round budget
// without the model stopping on its own.
var ErrRoundCapReached = errors.New("turn round cap reached")

// ErrUnknownProvider is returned when a conversation names a provider no
// adapter is registered for.
var ErrUnknownProvider = errors.New("unknown provider")

// TurnError wraps a failure inside the turn loop with where it happened.
type TurnError struct {
	Phase TurnPhase
	Round int
	Cause error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed in %s (round %d): %v", e.Phase, e.Round, e.Cause)
}

func (e *TurnError) Unwrap() error {
	return e.Cause
}
