// Package keypad turns keyboard state into joyflags and hands it from the
// window goroutine to the emulator goroutine.
package keypad

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/younwookim/linkplay/internal/domain/input"
)

// KeyMap binds keyboard keys to buttons.
type KeyMap map[ebiten.Key]input.Joyflags

// DefaultKeyMap follows the common emulator layout.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		ebiten.KeyX:          input.ButtonA,
		ebiten.KeyZ:          input.ButtonB,
		ebiten.KeyBackspace:  input.ButtonSelect,
		ebiten.KeyEnter:      input.ButtonStart,
		ebiten.KeyArrowRight: input.ButtonRight,
		ebiten.KeyArrowLeft:  input.ButtonLeft,
		ebiten.KeyArrowUp:    input.ButtonUp,
		ebiten.KeyArrowDown:  input.ButtonDown,
		ebiten.KeyS:          input.ButtonR,
		ebiten.KeyA:          input.ButtonL,
	}
}

// ParseKeyMap reads "Button=Key" pairs separated by commas, e.g.
// "A=X,B=Z,Start=Enter". Unlisted buttons keep their default key.
func ParseKeyMap(s string) (KeyMap, error) {
	m := DefaultKeyMap()
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	for _, pair := range strings.Split(s, ",") {
		name, keyName, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("invalid binding %q", pair)
		}
		button, ok := buttonByName(name)
		if !ok {
			return nil, fmt.Errorf("unknown button %q", name)
		}
		var key ebiten.Key
		if err := key.UnmarshalText([]byte(keyName)); err != nil {
			return nil, fmt.Errorf("unknown key %q", keyName)
		}
		for k, b := range m {
			if b == button {
				delete(m, k)
			}
		}
		m[key] = button
	}
	return m, nil
}

func buttonByName(name string) (input.Joyflags, bool) {
	for b := input.ButtonA; b <= input.ButtonL; b <<= 1 {
		if strings.EqualFold(b.String(), name) {
			return b, true
		}
	}
	return 0, false
}

// Poll returns the buttons whose keys pressed reports as held.
func (m KeyMap) Poll(pressed func(ebiten.Key) bool) input.Joyflags {
	var j input.Joyflags
	for k, b := range m {
		if pressed(k) {
			j |= b
		}
	}
	return j
}

// String lists the bindings in button order.
func (m KeyMap) String() string {
	type binding struct {
		b input.Joyflags
		k ebiten.Key
	}
	var all []binding
	for k, b := range m {
		all = append(all, binding{b, k})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].b < all[j].b })
	parts := make([]string, len(all))
	for i, x := range all {
		parts[i] = x.b.String() + "=" + x.k.String()
	}
	return strings.Join(parts, ",")
}

// Shared holds the latest polled buttons. The window goroutine stores and
// the emulator goroutine samples.
type Shared struct {
	bits atomic.Uint32
}

// Store replaces the held buttons.
func (s *Shared) Store(j input.Joyflags) {
	s.bits.Store(uint32(j & input.AllButtons))
}

// Sample returns the held buttons for any tick.
func (s *Shared) Sample(uint32, input.Tick) input.Joyflags {
	return input.Joyflags(s.bits.Load())
}

// Autopilot presses Button on every Every-th tick. It stands in for a
// player in headless runs.
type Autopilot struct {
	Button input.Joyflags
	Every  input.Tick
	// Offset shifts the pattern so two autopilots do not mirror each other.
	Offset input.Tick
}

// Sample implements the session input source.
func (a Autopilot) Sample(_ uint32, tick input.Tick) input.Joyflags {
	if a.Every == 0 || (tick+a.Offset)%a.Every != 0 {
		return 0
	}
	return a.Button
}
