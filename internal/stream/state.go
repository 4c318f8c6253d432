package stream

import (
	"fmt"
	"time"
)

// Phase is the lifecycle position of one job's connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseRetrying
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseRetrying:
		return "retrying"
	case PhaseStopped:
		return "stopped"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a phase plus the number of retries consumed since the last
// successful connect.
type State struct {
	Phase   Phase
	Attempt int
	// GaveUp is set when the connection stopped because retries ran out.
	GaveUp bool
}

func (s State) String() string {
	if s.Phase == PhaseRetrying {
		return fmt.Sprintf("retrying(%d)", s.Attempt)
	}
	if s.GaveUp {
		return "stopped(gave up)"
	}
	return s.Phase.String()
}

// InputKind names what happened to a connection.
type InputKind int

const (
	// InputStart asks an idle connection to open.
	InputStart InputKind = iota
	// InputConnected reports a successful open.
	InputConnected
	// InputDropped reports a failed open or a connection that ended.
	InputDropped
	// InputTimerFired reports that the backoff delay elapsed.
	InputTimerFired
	// InputJobTerminal reports a terminal-for-job event.
	InputJobTerminal
	// InputReleased reports that nobody wants the connection any more.
	InputReleased
)

// Input drives Transition. Active is consulted for InputDropped and reports
// whether the job still has a non-terminal tracked item.
type Input struct {
	Kind   InputKind
	Active bool
}

// ActionKind tells the caller what to do after a transition.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionConnect
	ActionWait
	ActionClose
)

// Action is the side effect requested by Transition.
type Action struct {
	Kind  ActionKind
	Delay time.Duration
}

// Policy bounds reconnect attempts.
type Policy struct {
	MaxAttempts int
	Cap         time.Duration
}

const (
	backoffStep = 2000 * time.Millisecond

	DefaultMaxAttempts = 5
	DefaultBackoffCap  = 10 * time.Second
)

// DefaultPolicy returns the stock retry policy.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, Cap: DefaultBackoffCap}
}

// Backoff returns the delay before retry number attempt (zero based):
// min(2s*(attempt+1), cap).
func Backoff(attempt int, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := backoffStep * time.Duration(attempt+1)
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}

// Transition is the pure retry state machine. Stopped absorbs every input.
func Transition(s State, in Input, p Policy) (State, Action) {
	if s.Phase == PhaseStopped {
		return s, Action{}
	}
	switch in.Kind {
	case InputJobTerminal, InputReleased:
		return State{Phase: PhaseStopped}, Action{Kind: ActionClose}
	}

	switch s.Phase {
	case PhaseIdle:
		if in.Kind == InputStart {
			return State{Phase: PhaseConnecting}, Action{Kind: ActionConnect}
		}
	case PhaseConnecting:
		switch in.Kind {
		case InputConnected:
			return State{Phase: PhaseConnected}, Action{}
		case InputDropped:
			return retry(s, in, p)
		}
	case PhaseConnected:
		if in.Kind == InputDropped {
			return retry(State{Phase: PhaseConnected}, in, p)
		}
	case PhaseRetrying:
		if in.Kind == InputTimerFired {
			return State{Phase: PhaseConnecting, Attempt: s.Attempt}, Action{Kind: ActionConnect}
		}
	}
	return s, Action{}
}

func retry(s State, in Input, p Policy) (State, Action) {
	if !in.Active {
		return State{Phase: PhaseStopped}, Action{Kind: ActionClose}
	}
	if s.Attempt >= p.MaxAttempts {
		return State{Phase: PhaseStopped, GaveUp: true}, Action{Kind: ActionClose}
	}
	return State{Phase: PhaseRetrying, Attempt: s.Attempt + 1}, Action{Kind: ActionWait, Delay: Backoff(s.Attempt, p.Cap)}
}
