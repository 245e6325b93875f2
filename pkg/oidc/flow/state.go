// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package flow drives the authorization grant flows end to end.
//
// Every flow instance is an explicit state machine: states and legal
// transitions are enumerated below, so each step can be tested in
// isolation without a running transport layer. Suspended flows (awaiting
// user interaction) are externalized to the session store, never held in
// process memory across requests.
package flow

// State is a grant flow instance's lifecycle state.
type State string

// Flow states. Expired and Denied are terminal failure states reachable
// from any non-terminal state.
const (
	StateInitiated              State = "initiated"
	StateUserInteractionPending State = "interaction_pending"
	StateAuthorized             State = "authorized"
	StateCompleted              State = "completed"
	StateExpired                State = "expired"
	StateDenied                 State = "denied"
)

// transitions is the full transition table. A transition absent from
// this table is illegal regardless of how the request arrived.
var transitions = map[State][]State{
	StateInitiated:              {StateUserInteractionPending, StateCompleted, StateExpired, StateDenied},
	StateUserInteractionPending: {StateAuthorized, StateCompleted, StateExpired, StateDenied},
	StateAuthorized:             {StateCompleted, StateExpired, StateDenied},
	StateCompleted:              {},
	StateExpired:                {},
	StateDenied:                 {},
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Type tags a flow instance with the grant flow it runs.
type Type string

// Supported flow types. The refresh grant is stateless with respect to
// this machine and is handled directly against the token service.
const (
	TypeImplicit          Type = "implicit"
	TypeAuthorizationCode Type = "authorization_code"
)
