// Package game runs the status window: an ebiten.Game that hands every
// frame to the current scene.
package game

import (
	"errors"

	"github.com/hajimehoshi/ebiten/v2"

	"github.com/younwookim/linkplay/internal/application/scene"
)

// Game implements ebiten.Game and manages Scene transitions.
type Game struct {
	current scene.Scene
	screenW int
	screenH int
	dt      float64
	frames  uint64
}

// New creates a window loop starting at initial, whose OnEnter runs now.
func New(initial scene.Scene, screenW, screenH int) *Game {
	g := &Game{
		current: initial,
		screenW: screenW,
		screenH: screenH,
		dt:      1.0 / float64(ebiten.DefaultTPS),
	}
	g.current.OnEnter()
	return g
}

// Update implements ebiten.Game. A scene returning scene.ErrQuit closes
// the window cleanly.
func (g *Game) Update() error {
	g.frames++
	next, err := g.current.Update(g.dt)
	if errors.Is(err, scene.ErrQuit) {
		g.current.OnExit()
		return ebiten.Termination
	}
	if err != nil {
		return err
	}

	if next != nil {
		g.current.OnExit()
		g.current = next
		g.current.OnEnter()
	}
	return nil
}

// Draw implements ebiten.Game.
func (g *Game) Draw(screen *ebiten.Image) {
	g.current.Draw(screen)
}

// Layout implements ebiten.Game with a fixed logical size.
func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.screenW, g.screenH
}

// Current returns the scene being shown.
func (g *Game) Current() scene.Scene { return g.current }

// Frames returns how many updates ran.
func (g *Game) Frames() uint64 { return g.frames }

// SetDT overrides the update step.
func (g *Game) SetDT(dt float64) {
	g.dt = dt
}
