package relay

import (
	"fmt"
	"strings"
)

// Phase is the telephony-side lifecycle of a session.
type Phase int

const (
	PhaseNotStarted Phase = iota
	PhaseStarted
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseStarted:
		return "started"
	case PhaseStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// AgentState tracks the agent leg. Transitions only move forward; there is
// no reconnection.
type AgentState int

const (
	AgentUninitialized AgentState = iota
	AgentAcquiringEndpoint
	AgentConnecting
	AgentOpen
	AgentClosed
)

func (s AgentState) String() string {
	switch s {
	case AgentUninitialized:
		return "uninitialized"
	case AgentAcquiringEndpoint:
		return "acquiring_endpoint"
	case AgentConnecting:
		return "connecting"
	case AgentOpen:
		return "open"
	case AgentClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InitMode selects when the conversation initiation frame is sent.
type InitMode string

const (
	// InitAwaitStart waits until the connection is open and the telephony
	// start event has arrived, in either order.
	InitAwaitStart InitMode = "await_start"
	// InitOnOpen sends as soon as the connection opens, using whatever
	// parameters are known at that moment.
	InitOnOpen InitMode = "on_open"
)

func ParseInitMode(v string) (InitMode, error) {
	switch InitMode(strings.ToLower(strings.TrimSpace(v))) {
	case InitAwaitStart, "":
		return InitAwaitStart, nil
	case InitOnOpen:
		return InitOnOpen, nil
	default:
		return "", fmt.Errorf("unknown init mode %q (want %s or %s)", v, InitAwaitStart, InitOnOpen)
	}
}
