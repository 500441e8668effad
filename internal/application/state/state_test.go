package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundState_String(t *testing.T) {
	tests := []struct {
		state    RoundState
		expected string
	}{
		{AwaitingStart, "AwaitingStart"},
		{InProgress, "InProgress"},
		{Ending, "Ending"},
		{Ended, "Ended"},
		{RoundState(99), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.state.String())
		})
	}
}

func TestRoundStateConstants(t *testing.T) {
	// Verify the iota ordering
	assert.Equal(t, RoundState(0), AwaitingStart)
	assert.Equal(t, RoundState(1), InProgress)
	assert.Equal(t, RoundState(2), Ending)
	assert.Equal(t, RoundState(3), Ended)
}

func TestRole(t *testing.T) {
	assert.True(t, Initiator.IsRNGAuthority())
	assert.False(t, Responder.IsRNGAuthority())
	assert.Equal(t, uint32(0), Initiator.PlayerIndex())
	assert.Equal(t, uint32(1), Responder.PlayerIndex())
	assert.Equal(t, Responder, Initiator.Opposite())

	r, err := ParseRole("join")
	require.NoError(t, err)
	assert.Equal(t, Responder, r)

	_, err = ParseRole("spectator")
	assert.Error(t, err)
}

func TestWinner_Mirror(t *testing.T) {
	tests := []struct {
		in, out Winner
	}{
		{WinnerLocal, WinnerRemote},
		{WinnerRemote, WinnerLocal},
		{WinnerDraw, WinnerDraw},
		{WinnerNone, WinnerNone},
	}

	for _, tt := range tests {
		t.Run(tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.out, tt.in.Mirror())
		})
	}
}

func TestParseInverse(t *testing.T) {
	for r := ReasonCompleted; r <= ReasonAborted; r++ {
		assert.Equal(t, r, ParseReason(r.String()))
	}
	for w := WinnerLocal; w <= WinnerDraw; w++ {
		assert.Equal(t, w, ParseWinner(w.String()))
	}
	assert.Equal(t, SideRemote, ParseSide("remote"))
	assert.Equal(t, SideUnknown, ParseSide("sideways"))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "pending", Outcome{}.String())
	assert.Equal(t, "completed (winner local) at tick 100",
		Outcome{Reason: ReasonCompleted, Winner: WinnerLocal, Tick: 100}.String())
	assert.Equal(t, "disconnected (remote) at tick 30",
		Outcome{Reason: ReasonDisconnected, Side: SideRemote, Tick: 30}.String())
	assert.Equal(t, "desync at tick 50: checksum",
		Outcome{Reason: ReasonDesync, Tick: 50, Detail: "checksum"}.String())
	assert.False(t, Outcome{}.Final())
}
