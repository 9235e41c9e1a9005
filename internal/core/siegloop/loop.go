package siegloop

import (
	"errors"
	"fmt"
	"time"
)

type State string

const (
	FULLY_SEND   State = "FullySend"
	KEEPING_LESS State = "KeepingLess"
	STEADY_BLEND State = "SteadyBlend"
	KEEPING_MORE State = "KeepingMore"
	FULLY_KEEP   State = "FullyKeep"
)

const (
	FULL_RANGE_S = 70
	// time for the valve to travel one percent
	PERCENT_DWELL = FULL_RANGE_S * time.Second / 100
)

var ErrTargetOutOfRange = errors.New("target percent keep out of range")

// Relays is the position both valve relays must be in for a state.
type Relays struct {
	MotorOn bool
	Keep    bool
}

// RelaysFor: moving states energize the motor with the direction relay set
// toward the target; steady states de-energize both.
func RelaysFor(s State) Relays {
	switch s {
	case KEEPING_MORE:
		return Relays{MotorOn: true, Keep: true}
	case KEEPING_LESS:
		return Relays{MotorOn: true, Keep: false}
	}
	return Relays{}
}

// Loop tracks the mixing valve position. Every dispatch starts a new task;
// steps carrying an older task id are ignored.
type Loop struct {
	percentKeep int
	target      int
	state       State
	taskId      int
}

func NewLoop(initialPercentKeep int) *Loop {
	if initialPercentKeep < 0 {
		initialPercentKeep = 0
	}
	if initialPercentKeep > 100 {
		initialPercentKeep = 100
	}
	l := &Loop{percentKeep: initialPercentKeep, target: initialPercentKeep}
	l.state = settled(initialPercentKeep)
	return l
}

func settled(pct int) State {
	switch pct {
	case 0:
		return FULLY_SEND
	case 100:
		return FULLY_KEEP
	}
	return STEADY_BLEND
}

func (l *Loop) State() State     { return l.state }
func (l *Loop) PercentKeep() int { return l.percentKeep }
func (l *Loop) Target() int      { return l.target }
func (l *Loop) TaskId() int      { return l.taskId }

// Moving reports whether a task is in flight.
func (l *Loop) Moving() bool {
	return l.state == KEEPING_MORE || l.state == KEEPING_LESS
}

// Dispatch cancels any task in flight and starts moving toward target.
func (l *Loop) Dispatch(target int) (int, error) {
	if target < 0 || target > 100 {
		return 0, fmt.Errorf("%w: %d", ErrTargetOutOfRange, target)
	}
	l.taskId++
	l.target = target
	switch {
	case target > l.percentKeep:
		l.state = KEEPING_MORE
	case target < l.percentKeep:
		l.state = KEEPING_LESS
	default:
		l.state = settled(l.percentKeep)
	}
	return l.taskId, nil
}

// Step advances the task by one percent. ok is false when taskId was cancelled
// by a newer dispatch; arrived is true once the target is reached and the loop
// has settled.
func (l *Loop) Step(taskId int) (percent int, arrived bool, ok bool) {
	if taskId != l.taskId {
		return l.percentKeep, false, false
	}
	if !l.Moving() {
		return l.percentKeep, true, true
	}
	switch l.state {
	case KEEPING_MORE:
		l.percentKeep++
	case KEEPING_LESS:
		l.percentKeep--
	}
	if l.percentKeep == l.target {
		l.state = settled(l.percentKeep)
		return l.percentKeep, true, true
	}
	return l.percentKeep, false, true
}

// TravelTime is the time needed to reach target from the current position.
func (l *Loop) TravelTime(target int) time.Duration {
	d := target - l.percentKeep
	if d < 0 {
		d = -d
	}
	return time.Duration(d) * PERCENT_DWELL
}
