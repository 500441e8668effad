// Package input holds the per-tick input packet exchanged between peers.
package input

import "strings"

// Tick counts resolved input pairs within a round, starting at 0.
type Tick uint32

// Joyflags is the handheld button bitset as the game reads it.
type Joyflags uint16

// Buttons in KEYINPUT bit order.
const (
	ButtonA Joyflags = 1 << iota
	ButtonB
	ButtonSelect
	ButtonStart
	ButtonRight
	ButtonLeft
	ButtonUp
	ButtonDown
	ButtonR
	ButtonL
)

// AllButtons is the mask of every defined button bit.
const AllButtons Joyflags = 0x03ff

var buttonNames = []struct {
	b    Joyflags
	name string
}{
	{ButtonA, "A"},
	{ButtonB, "B"},
	{ButtonSelect, "Select"},
	{ButtonStart, "Start"},
	{ButtonRight, "Right"},
	{ButtonLeft, "Left"},
	{ButtonUp, "Up"},
	{ButtonDown, "Down"},
	{ButtonR, "R"},
	{ButtonL, "L"},
}

// Has reports whether every bit of b is set.
func (j Joyflags) Has(b Joyflags) bool {
	return j&b == b
}

// String returns the pressed buttons joined with "+", or "-" when idle.
func (j Joyflags) String() string {
	var parts []string
	for _, bn := range buttonNames {
		if j.Has(bn.b) {
			parts = append(parts, bn.name)
		}
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, "+")
}

// Packet is one side's input for one tick of one round.
// Packets are values; Payload is never mutated after construction.
type Packet struct {
	Round    uint32
	Tick     Tick
	Joyflags Joyflags

	Checksum    uint32
	HasChecksum bool

	// SharedRNG is only carried by the RNG authority.
	SharedRNG    uint32
	HasSharedRNG bool

	// Payload is the game's own link packet for this tick, if captured.
	Payload []byte
}

// Clone returns a copy that shares no memory with p.
func (p Packet) Clone() Packet {
	if p.Payload != nil {
		p.Payload = append([]byte(nil), p.Payload...)
	}
	return p
}

// Equal reports whether two packets carry identical fields.
func (p Packet) Equal(o Packet) bool {
	if p.Round != o.Round || p.Tick != o.Tick || p.Joyflags != o.Joyflags {
		return false
	}
	if p.HasChecksum != o.HasChecksum || (p.HasChecksum && p.Checksum != o.Checksum) {
		return false
	}
	if p.HasSharedRNG != o.HasSharedRNG || (p.HasSharedRNG && p.SharedRNG != o.SharedRNG) {
		return false
	}
	if len(p.Payload) != len(o.Payload) {
		return false
	}
	for i := range p.Payload {
		if p.Payload[i] != o.Payload[i] {
			return false
		}
	}
	return true
}
