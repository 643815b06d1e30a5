package saga

import (
	"fmt"

	"github.com/qmuntal/stateless"
)

// Triggers of the instance status machine.
const (
	triggerRun         = "run"
	triggerComplete    = "complete"
	triggerCompensate  = "compensate"
	triggerCompensated = "compensated"
	triggerFail        = "fail"
)

// newStatusMachine builds the instance status machine positioned at current.
//
//	started      -> running | compensating | failed
//	running      -> completed | compensating | failed
//	compensating -> compensated | failed
//
// Terminal states permit nothing.
func newStatusMachine(current Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)

	sm.Configure(StatusStarted).
		Permit(triggerRun, StatusRunning).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerCompensate, StatusCompensating).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusCompensating).
		Permit(triggerCompensated, StatusCompensated).
		Permit(triggerFail, StatusFailed)

	sm.Configure(StatusCompleted)
	sm.Configure(StatusCompensated)
	sm.Configure(StatusFailed)

	return sm
}

// nextStatus returns the status reached by firing trigger from current.
func nextStatus(current Status, trigger string) (Status, error) {
	sm := newStatusMachine(current)
	if err := sm.Fire(trigger); err != nil {
		return current, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, trigger, current)
	}
	return sm.MustState().(Status), nil
}

// canFire reports whether trigger is permitted from current.
func canFire(current Status, trigger string) bool {
	ok, err := newStatusMachine(current).CanFire(trigger)
	return err == nil && ok
}
