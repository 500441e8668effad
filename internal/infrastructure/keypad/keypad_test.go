package keypad

import (
	"testing"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younwookim/linkplay/internal/domain/input"
)

func held(keys ...ebiten.Key) func(ebiten.Key) bool {
	return func(k ebiten.Key) bool {
		for _, h := range keys {
			if h == k {
				return true
			}
		}
		return false
	}
}

func TestKeyMap_Poll(t *testing.T) {
	m := DefaultKeyMap()
	assert.Equal(t, input.Joyflags(0), m.Poll(held()))
	assert.Equal(t, input.ButtonA|input.ButtonUp, m.Poll(held(ebiten.KeyX, ebiten.KeyArrowUp)))
	assert.Equal(t, input.ButtonStart, m.Poll(held(ebiten.KeyEnter, ebiten.KeyQ)))
}

func TestParseKeyMap(t *testing.T) {
	m, err := ParseKeyMap("A=J, start=Space")
	require.NoError(t, err)

	assert.Equal(t, input.ButtonA, m.Poll(held(ebiten.KeyJ)))
	assert.Equal(t, input.Joyflags(0), m.Poll(held(ebiten.KeyX)), "the old key is unbound")
	assert.Equal(t, input.ButtonStart, m.Poll(held(ebiten.KeySpace)))
	assert.Equal(t, input.ButtonB, m.Poll(held(ebiten.KeyZ)), "defaults stay")
	assert.Len(t, m, 10)

	def, err := ParseKeyMap("")
	require.NoError(t, err)
	assert.Equal(t, DefaultKeyMap(), def)

	for _, bad := range []string{"A", "Turbo=X", "A=NoSuchKey"} {
		_, err := ParseKeyMap(bad)
		assert.Error(t, err, bad)
	}
}

func TestKeyMap_String(t *testing.T) {
	m := KeyMap{ebiten.KeyZ: input.ButtonB, ebiten.KeyX: input.ButtonA}
	assert.Equal(t, "A=X,B=Z", m.String())
}

func TestShared(t *testing.T) {
	var s Shared
	assert.Equal(t, input.Joyflags(0), s.Sample(0, 0))
	s.Store(input.ButtonB | 0x8000)
	assert.Equal(t, input.ButtonB, s.Sample(3, 99), "bits outside the pad are dropped")
}

func TestAutopilot(t *testing.T) {
	a := Autopilot{Button: input.ButtonA, Every: 4, Offset: 1}
	var got []input.Tick
	for tick := input.Tick(0); tick < 12; tick++ {
		if a.Sample(0, tick) != 0 {
			got = append(got, tick)
		}
	}
	assert.Equal(t, []input.Tick{3, 7, 11}, got)
	assert.Zero(t, Autopilot{Button: input.ButtonA}.Sample(0, 0))
}
