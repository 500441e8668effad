package state

import (
	"fmt"

	"github.com/younwookim/linkplay/internal/domain/input"
)

// RoundState represents the lifecycle position of a round
type RoundState int

const (
	AwaitingStart RoundState = iota
	InProgress
	Ending
	Ended
)

// String returns the string representation of the round state
func (s RoundState) String() string {
	switch s {
	case AwaitingStart:
		return "AwaitingStart"
	case InProgress:
		return "InProgress"
	case Ending:
		return "Ending"
	case Ended:
		return "Ended"
	default:
		return "Unknown"
	}
}

// Role is the explicit peer role agreed before the match
type Role int

const (
	// Initiator is the RNG authority and player 1.
	Initiator Role = iota
	// Responder follows the authority's RNG and is player 2.
	Responder
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Responder:
		return "responder"
	default:
		return "unknown"
	}
}

// ParseRole parses "initiator" or "responder"
func ParseRole(s string) (Role, error) {
	switch s {
	case "initiator", "host":
		return Initiator, nil
	case "responder", "join":
		return Responder, nil
	default:
		return Initiator, fmt.Errorf("unknown role %q", s)
	}
}

// IsRNGAuthority reports whether this role transmits the shared RNG
func (r Role) IsRNGAuthority() bool {
	return r == Initiator
}

// PlayerIndex returns the in-game player slot, 0 for player 1
func (r Role) PlayerIndex() uint32 {
	if r == Initiator {
		return 0
	}
	return 1
}

// Opposite returns the peer's role
func (r Role) Opposite() Role {
	if r == Initiator {
		return Responder
	}
	return Initiator
}

// Side attributes an event to one of the peers
type Side int

const (
	SideUnknown Side = iota
	SideLocal
	SideRemote
)

// String returns the string representation of the side
func (s Side) String() string {
	switch s {
	case SideLocal:
		return "local"
	case SideRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Winner is a round or match result from the local perspective
type Winner int

const (
	WinnerNone Winner = iota
	WinnerLocal
	WinnerRemote
	WinnerDraw
)

// String returns the string representation of the winner
func (w Winner) String() string {
	switch w {
	case WinnerLocal:
		return "local"
	case WinnerRemote:
		return "remote"
	case WinnerDraw:
		return "draw"
	default:
		return "none"
	}
}

// Mirror converts the peer's view of a result into the local view
func (w Winner) Mirror() Winner {
	switch w {
	case WinnerLocal:
		return WinnerRemote
	case WinnerRemote:
		return WinnerLocal
	default:
		return w
	}
}

// Reason explains why a round or match ended
type Reason int

const (
	ReasonNone Reason = iota
	ReasonCompleted
	ReasonDesync
	ReasonDisconnected
	ReasonStalled
	ReasonStartTimeout
	ReasonAborted
)

// String returns the string representation of the reason
func (r Reason) String() string {
	switch r {
	case ReasonCompleted:
		return "completed"
	case ReasonDesync:
		return "desync"
	case ReasonDisconnected:
		return "disconnected"
	case ReasonStalled:
		return "stalled"
	case ReasonStartTimeout:
		return "start_timeout"
	case ReasonAborted:
		return "aborted"
	default:
		return "none"
	}
}

// ParseReason is the inverse of Reason.String
func ParseReason(s string) Reason {
	for r := ReasonCompleted; r <= ReasonAborted; r++ {
		if r.String() == s {
			return r
		}
	}
	return ReasonNone
}

// ParseWinner is the inverse of Winner.String
func ParseWinner(s string) Winner {
	for w := WinnerLocal; w <= WinnerDraw; w++ {
		if w.String() == s {
			return w
		}
	}
	return WinnerNone
}

// ParseSide is the inverse of Side.String
func ParseSide(s string) Side {
	switch s {
	case "local":
		return SideLocal
	case "remote":
		return SideRemote
	default:
		return SideUnknown
	}
}

// Outcome is the terminal result of a round or match
type Outcome struct {
	Reason Reason
	Winner Winner
	Side   Side
	Tick   input.Tick
	Detail string
}

// String returns a compact human readable form
func (o Outcome) String() string {
	switch o.Reason {
	case ReasonCompleted:
		return fmt.Sprintf("completed (winner %s) at tick %d", o.Winner, o.Tick)
	case ReasonDisconnected:
		return fmt.Sprintf("disconnected (%s) at tick %d", o.Side, o.Tick)
	case ReasonNone:
		return "pending"
	}
	if o.Detail != "" {
		return fmt.Sprintf("%s at tick %d: %s", o.Reason, o.Tick, o.Detail)
	}
	return fmt.Sprintf("%s at tick %d", o.Reason, o.Tick)
}

// Final reports whether the outcome is terminal
func (o Outcome) Final() bool {
	return o.Reason != ReasonNone
}
