// Package access provides access-session state and action constants and
// string conversions for those constants.
package access

import "fmt"

// State is the enumeration of access-session states. A session that has
// reached Over never leaves it.
type State int32

const (
	New State = iota
	Authing
	Active
	Over
)

var stateName = map[State]string{
	New:     "NEW",
	Authing: "AUTHING",
	Active:  "ACTIVE",
	Over:    "OVER",
}

func (s State) String() string {
	n, ok := stateName[s]
	if !ok {
		return fmt.Sprintf("UNKNOWN_STATE_%d", s)
	}
	return n
}

// Action is the access event emitted by a session state transition. None
// means the observed packet did not move the session at all.
type Action int32

const (
	None Action = iota
	Attempt
	Accept
	Reject
	Retry
	Failed
	InterimUpdate
	End
	AlreadyActive
)

var actionName = map[Action]string{
	None:          "NONE",
	Attempt:       "ATTEMPT",
	Accept:        "ACCEPT",
	Reject:        "REJECT",
	Retry:         "RETRY",
	Failed:        "FAILED",
	InterimUpdate: "INTERIM_UPDATE",
	End:           "END",
	AlreadyActive: "ALREADY_ACTIVE",
}

func (a Action) String() string {
	n, ok := actionName[a]
	if !ok {
		return fmt.Sprintf("UNKNOWN_ACTION_%d", a)
	}
	return n
}
