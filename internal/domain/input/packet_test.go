package input

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoyflags_String(t *testing.T) {
	tests := []struct {
		flags    Joyflags
		expected string
	}{
		{0, "-"},
		{ButtonA, "A"},
		{ButtonA | ButtonUp, "A+Up"},
		{ButtonL | ButtonR | ButtonStart, "Start+R+L"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.flags.String())
		})
	}
}

func TestJoyflags_Has(t *testing.T) {
	j := ButtonA | ButtonB
	assert.True(t, j.Has(ButtonA))
	assert.True(t, j.Has(ButtonA|ButtonB))
	assert.False(t, j.Has(ButtonA|ButtonStart))
	assert.Equal(t, Joyflags(0x03ff), AllButtons)
}

func TestPacket_CloneDoesNotAlias(t *testing.T) {
	p := Packet{Tick: 3, Payload: []byte{1, 2, 3}}
	c := p.Clone()
	c.Payload[0] = 9

	assert.Equal(t, byte(1), p.Payload[0])
	assert.False(t, p.Equal(c))
}

func TestPacket_Equal(t *testing.T) {
	base := Packet{Round: 1, Tick: 2, Joyflags: ButtonA, Checksum: 7, HasChecksum: true}

	assert.True(t, base.Equal(base.Clone()))

	other := base
	other.Checksum = 8
	assert.False(t, base.Equal(other))

	other = base
	other.HasChecksum = false
	assert.False(t, base.Equal(other))

	// Unset optional values are ignored.
	a := Packet{Tick: 1, SharedRNG: 5}
	b := Packet{Tick: 1, SharedRNG: 6}
	assert.True(t, a.Equal(b))
}
