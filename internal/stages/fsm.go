package stages

import (
	"context"

	"github.com/looplab/fsm"
	"github.com/pkg/errors"
)

// stage states
const (
	StateNotStarted           = "not_started"
	StateAwaitingPrecondition = "awaiting_precondition"
	StateRunning              = "running"
	StateDone                 = "done"
	StateFailed               = "failed"
)

// stage events
const (
	eventAwait    = "await"
	eventStart    = "start"
	eventComplete = "complete"
	eventFail     = "fail"
)

// newStageFSM returns the lifecycle of one stage run. onEnter is called with
// the new state on every transition.
func newStageFSM(onEnter func(ctx context.Context, state string)) *fsm.FSM {
	events := fsm.Events{
		{Name: eventAwait, Src: []string{StateNotStarted}, Dst: StateAwaitingPrecondition},
		{Name: eventStart, Src: []string{StateAwaitingPrecondition}, Dst: StateRunning},
		{Name: eventComplete, Src: []string{StateRunning}, Dst: StateDone},
		{Name: eventFail, Src: []string{StateNotStarted, StateAwaitingPrecondition, StateRunning}, Dst: StateFailed},
	}

	callbacks := fsm.Callbacks{
		"enter_state": func(ctx context.Context, e *fsm.Event) {
			onEnter(ctx, e.Dst)
		},
	}

	return fsm.NewFSM(StateNotStarted, events, callbacks)
}

// transition fires an event, a missing transition is not an error.
func transition(ctx context.Context, f *fsm.FSM, event string) error {
	err := f.Event(ctx, event)

	var noTransition fsm.NoTransitionError
	if err == nil || errors.As(err, &noTransition) {
		return nil
	}

	return errors.Wrapf(err, "stage transition %s from %s", event, f.Current())
}
