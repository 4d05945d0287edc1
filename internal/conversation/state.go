// Package conversation tracks each contact thread through a reply-driven
// state machine.
//
// The transition table and the classifier are pure and deterministic. Machine
// adds persistence: it loads or creates the thread, applies a transition and
// appends the message to the thread's history.
package conversation

import "fmt"

type State string

const (
	StateIntro     State = "intro"
	StateProbe1    State = "probe1"
	StateProbe2    State = "probe2"
	StateObjection State = "objection"
	StateOffer     State = "offer"
	StateBooked    State = "booked"
)

var States = []State{StateIntro, StateProbe1, StateProbe2, StateObjection, StateOffer, StateBooked}

func ParseState(s string) (State, error) {
	for _, st := range States {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("conversation: unknown state %q", s)
}

// Signal is the classifier's verdict on an inbound message.
type Signal string

const (
	// SignalDecline is a negative or decline reply.
	SignalDecline Signal = "decline"
	// SignalBooking is an explicit time or a booking request.
	SignalBooking Signal = "booking"
	// SignalConfirm is a booking confirmation ("booked", "confirmed", "see you").
	SignalConfirm Signal = "confirm"
	// SignalSoft is anything else.
	SignalSoft Signal = "soft"
)

type Sentiment string

const (
	Positive Sentiment = "pos"
	Neutral  Sentiment = "neutral"
	Negative Sentiment = "neg"
)

type Path string

const (
	PathNone     Path = ""
	PathClient   Path = "client"
	PathRecruit  Path = "recruit"
	PathReferral Path = "referral"
)

var transitions = map[State]map[Signal]State{
	StateIntro:     {SignalDecline: StateProbe1, SignalBooking: StateProbe1, SignalSoft: StateProbe1},
	StateProbe1:    {SignalDecline: StateObjection, SignalBooking: StateOffer, SignalSoft: StateProbe2},
	StateProbe2:    {SignalDecline: StateObjection, SignalBooking: StateOffer, SignalSoft: StateOffer},
	StateObjection: {SignalDecline: StateObjection, SignalBooking: StateProbe2, SignalSoft: StateProbe2},
	StateOffer:     {SignalDecline: StateOffer, SignalBooking: StateOffer, SignalConfirm: StateBooked, SignalSoft: StateOffer},
	StateBooked:    {SignalDecline: StateBooked, SignalBooking: StateBooked, SignalSoft: StateBooked},
}

// Next is the transition table. Only an offer is closed by a confirmation;
// elsewhere a confirmation reads as a booking request. Unknown states or
// signals leave the state unchanged.
func Next(s State, sig Signal) State {
	if sig == SignalConfirm && s != StateOffer {
		sig = SignalBooking
	}
	if row, ok := transitions[s]; ok {
		if next, ok := row[sig]; ok {
			return next
		}
	}
	return s
}
