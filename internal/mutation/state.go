package mutation

import (
	"errors"
	"fmt"
)

type State int

const (
	StateIdle State = iota
	StateOptimisticallyApplied
	StateConfirmed
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOptimisticallyApplied:
		return "optimistically_applied"
	case StateConfirmed:
		return "confirmed"
	case StateRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrIllegalTransition = errors.New("illegal transition")

// Op is the lifecycle of one mutation:
//
//	Idle -> OptimisticallyApplied -> Confirmed | RolledBack
//
// Apply runs the optimistic change and keeps the undo it returns; Rollback
// runs that undo. Op is not safe for concurrent use; the coordinator calls
// it while holding the workspace lock.
type Op struct {
	name  string
	state State
	undo  func()
}

func NewOp(name string) *Op {
	return &Op{name: name}
}

func (o *Op) Name() string {
	return o.name
}

func (o *Op) State() State {
	return o.state
}

func (o *Op) Apply(apply func() (undo func())) error {
	if o.state != StateIdle {
		return o.illegal(StateOptimisticallyApplied)
	}
	o.undo = apply()
	o.state = StateOptimisticallyApplied
	return nil
}

func (o *Op) Confirm() error {
	if o.state != StateOptimisticallyApplied {
		return o.illegal(StateConfirmed)
	}
	o.undo = nil
	o.state = StateConfirmed
	return nil
}

func (o *Op) Rollback() error {
	if o.state != StateOptimisticallyApplied {
		return o.illegal(StateRolledBack)
	}
	if o.undo != nil {
		o.undo()
	}
	o.undo = nil
	o.state = StateRolledBack
	return nil
}

func (o *Op) illegal(to State) error {
	return fmt.Errorf("%s: %w from %s to %s", o.name, ErrIllegalTransition, o.state, to)
}
