// Package rng derives the shared pseudo-random state used by both peers.
package rng

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewSeed generates a match seed using crypto/rand.
func NewSeed() (uint32, error) {
	var b [4]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Shared is the match-wide RNG agreement sent by the authority in its Hello.
type Shared struct {
	Seed uint32
}

// RoundSeed is the initial shared RNG value of a round. It is a pure
// function of the match seed and round index, never zero.
func (s Shared) RoundSeed(round uint32) uint32 {
	x := s.Seed ^ (round * 0x9e3779b9)
	// murmur3 finalizer
	x ^= x >> 16
	x *= 0x85ebca6b
	x ^= x >> 13
	x *= 0xc2b2ae35
	x ^= x >> 16
	if x == 0 {
		x = 0x6d2b79f5
	}
	return x
}

// Step advances a linear congruential state by one draw.
func Step(state uint32) uint32 {
	return state*1103515245 + 12345
}

// Draw advances state and returns the new state and a value in [0, n).
func Draw(state uint32, n uint32) (uint32, uint32) {
	next := Step(state)
	if n == 0 {
		return next, 0
	}
	return next, (next >> 16) % n
}
