package admission

import (
	"fmt"

	"medgate/core"
	"medgate/ratelimit"
)

// State is the position of a request in the admission state machine
type State int

const (
	StateReceived State = iota
	StateScanned
	StateAuthenticated
	StateRateChecked
	StateAuthorized
	StateDispatched
	StateRejected
)

var stateNames = [...]string{
	StateReceived:      "received",
	StateScanned:       "scanned",
	StateAuthenticated: "authenticated",
	StateRateChecked:   "rate_checked",
	StateAuthorized:    "authorized",
	StateDispatched:    "dispatched",
	StateRejected:      "rejected",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDispatched || s == StateRejected
}

// Admission is the outcome of one request's pass through the pipeline
type Admission struct {
	Route     Route
	Vars      map[string]string
	ClientIP  string
	Identity  *core.Identity
	RateLimit *ratelimit.Decision
	GrantID   string
	Rejection *core.Rejection

	state       State
	trace       []State
	gateAudited bool
}

func newAdmission() *Admission {
	return &Admission{state: StateReceived, trace: []State{StateReceived}}
}

// State returns the current state
func (a *Admission) State() State { return a.state }

// Trace returns every state the request passed through, in order
func (a *Admission) Trace() []State {
	out := make([]State, len(a.trace))
	copy(out, a.trace)
	return out
}

// advance allows only the next forward state
func (a *Admission) advance(next State) error {
	if a.state.Terminal() || next != a.state+1 || next == StateRejected {
		return fmt.Errorf("illegal admission transition %s -> %s", a.state, next)
	}
	a.state = next
	a.trace = append(a.trace, next)
	return nil
}

// advanceRejected is legal from every non-terminal state
func (a *Admission) advanceRejected() {
	if a.state.Terminal() {
		return
	}
	a.state = StateRejected
	a.trace = append(a.trace, StateRejected)
}
