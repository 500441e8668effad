package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/hook"
)

// StallPolicy decides what a stalled tick does after it was reported.
type StallPolicy int

const (
	// StallWait keeps waiting; liveness or the peer's disconnect ends it.
	StallWait StallPolicy = iota
	// StallEscalate ends the match with a Stalled outcome.
	StallEscalate
)

// String returns the policy name.
func (p StallPolicy) String() string {
	if p == StallEscalate {
		return "escalate"
	}
	return "wait"
}

// ParseStallPolicy parses "wait" or "escalate".
func ParseStallPolicy(s string) (StallPolicy, error) {
	switch strings.ToLower(s) {
	case "", "wait":
		return StallWait, nil
	case "escalate":
		return StallEscalate, nil
	default:
		return StallWait, fmt.Errorf("unknown stall policy %q", s)
	}
}

// Config holds match parameters.
type Config struct {
	Role     state.Role
	Nickname string
	// Seed is used by the initiator; zero draws a random seed.
	Seed uint32
	// BestOf is the number of rounds a match may last; the first side to
	// win a majority ends it.
	BestOf     int
	FirstRound uint32
	MatchID    string

	WaitTimeout      time.Duration
	StartTimeout     time.Duration
	DrainTimeout     time.Duration
	HandshakeTimeout time.Duration
	// HeartbeatInterval and LivenessTimeout of zero disable keepalive.
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration

	PendingLimit     int
	OutboundQueue    int
	StallPolicy      StallPolicy
	SnapshotInterval int
	HookMode         hook.Mode
}

// DefaultConfig returns the standard timings for internet play.
func DefaultConfig() Config {
	return Config{
		Role:              state.Initiator,
		Nickname:          "player",
		BestOf:            1,
		WaitTimeout:       time.Second,
		StartTimeout:      30 * time.Second,
		DrainTimeout:      10 * time.Second,
		HandshakeTimeout:  30 * time.Second,
		HeartbeatInterval: time.Second,
		LivenessTimeout:   10 * time.Second,
		PendingLimit:      64,
		OutboundQueue:     256,
		StallPolicy:       StallWait,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BestOf <= 0 {
		c.BestOf = def.BestOf
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = def.WaitTimeout
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = def.StartTimeout
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = def.DrainTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.PendingLimit <= 0 {
		c.PendingLimit = def.PendingLimit
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = def.OutboundQueue
	}
	return c
}

// winsNeeded is the majority of BestOf.
func (c Config) winsNeeded() int {
	return c.BestOf/2 + 1
}
