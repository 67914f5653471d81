// Package call holds the call signaling state machine shared by the relay and
// the client call agent, and the relay's registry of live call sessions.
package call

import (
	"errors"
	"fmt"
)

// State is one side's position in a call.
type State string

const (
	Idle       State = "idle"
	Dialing    State = "dialing"
	Ringing    State = "ringing"
	Connecting State = "connecting"
	Active     State = "active"
)

// Trigger is an input that may move a call to another state.
type Trigger string

const (
	// TriggerDial starts an outgoing call.
	TriggerDial Trigger = "dial"
	// TriggerIncoming registers an incoming offer.
	TriggerIncoming Trigger = "incoming"
	// TriggerAccept is the callee accepting a ringing call.
	TriggerAccept Trigger = "accept"
	// TriggerAnswered is the caller receiving the callee's answer.
	TriggerAnswered Trigger = "answered"
	// TriggerConnected is the media transport reporting connected.
	TriggerConnected Trigger = "connected"

	TriggerReject  Trigger = "reject"
	TriggerTimeout Trigger = "timeout"
	TriggerEnd     Trigger = "end"
	TriggerFail    Trigger = "fail"
)

var (
	// ErrIllegalTransition is returned when a trigger does not apply to the current state.
	ErrIllegalTransition = errors.New("illegal call transition")
	// ErrBusy is returned when the callee already holds a live call.
	ErrBusy = errors.New("callee is busy")
	// ErrAlreadyInCall is returned when the caller already holds a live call.
	ErrAlreadyInCall = errors.New("caller already in a call")
	// ErrNoSession is returned when no live call matches the request.
	ErrNoSession = errors.New("no such call")
)

var transitions = map[State]map[Trigger]State{
	Idle: {
		TriggerDial:     Dialing,
		TriggerIncoming: Ringing,
	},
	Dialing: {
		TriggerAnswered: Connecting,
		TriggerReject:   Idle,
		TriggerTimeout:  Idle,
		TriggerEnd:      Idle,
		TriggerFail:     Idle,
	},
	Ringing: {
		TriggerAccept:  Connecting,
		TriggerReject:  Idle,
		TriggerTimeout: Idle,
		TriggerEnd:     Idle,
		TriggerFail:    Idle,
	},
	Connecting: {
		TriggerConnected: Active,
		TriggerReject:    Idle,
		TriggerEnd:       Idle,
		TriggerFail:      Idle,
	},
	Active: {
		TriggerEnd:  Idle,
		TriggerFail: Idle,
	},
}

// Transition returns the state reached by applying t in from.
func Transition(from State, t Trigger) (State, error) {
	to, ok := transitions[from][t]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, t, from)
	}
	return to, nil
}

// Live reports whether s holds a call.
func (s State) Live() bool {
	return s != Idle && s != ""
}

// Connected reports whether the call got past the offer/answer exchange.
func (s State) Connected() bool {
	return s == Connecting || s == Active
}
