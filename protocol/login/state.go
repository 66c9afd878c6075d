package login

import "strconv"

// State is the progress of a login attempt.
type State int32

// Login states, in order. Succeeded and Failed are terminal; the
// connection is closed once the response is flushed, or right away when
// the attempt is dropped without one.
const (
	AwaitingFirstMessage State = iota
	ValidatingVersion
	AwaitingRsaResult
	AwaitingCredentials
	Succeeded
	Failed
)

var stateNames = [...]string{
	AwaitingFirstMessage: "awaiting first message",
	ValidatingVersion:    "validating version",
	AwaitingRsaResult:    "awaiting rsa result",
	AwaitingCredentials:  "awaiting credentials",
	Succeeded:            "succeeded",
	Failed:               "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "state " + strconv.Itoa(int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed
}
