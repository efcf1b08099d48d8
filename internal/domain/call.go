// Package domain contains the call entities and their invariants, no transport
// or lifecycle logic.
package domain

import "time"

type SessionID string

type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

func (r Role) Valid() bool { return r == RoleCaller || r == RoleCallee }

// Peer returns the opposite role.
func (r Role) Peer() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateNegotiating  State = "negotiating"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateEnded        State = "ended"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateEnded || s == StateFailed }

var transitions = map[State][]State{
	StateIdle:         {StateInitializing, StateEnded},
	StateInitializing: {StateNegotiating, StateIdle, StateEnded},
	StateNegotiating:  {StateConnected, StateIdle, StateEnded},
	StateConnected:    {StateReconnecting, StateEnded, StateFailed},
	StateReconnecting: {StateConnected, StateEnded, StateFailed},
}

// CanTransition reports whether s -> to is an edge of the session state machine.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ReasonCode explains a transition to StateFailed to the UI layer.
type ReasonCode string

const (
	ReasonNone           ReasonCode = ""
	ReasonConnectionLost ReasonCode = "connection_lost"
	ReasonICEFailed      ReasonCode = "ice_failed"
)

type CallSession struct {
	ID                 SessionID     `json:"session_id"`
	LocalParticipantID ParticipantID `json:"local_participant_id"`
	LocalRole          Role          `json:"local_role"`
	State              State         `json:"state"`
	StartedAt          time.Time     `json:"started_at"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	FailReason         ReasonCode    `json:"fail_reason,omitempty"`
}

// SessionSummary is handed to the bookkeeping collaborator once per session.
type SessionSummary struct {
	SessionID        SessionID   `json:"session_id"`
	EndedAt          time.Time   `json:"ended_at"`
	FinalQualityTier QualityTier `json:"final_quality_tier"`
}
