// Package scene defines the screens of the status window.
//
// The window follows a match through linking, the rounds themselves and
// the final result. Each screen implements Scene.
package scene

import (
	"errors"

	"github.com/hajimehoshi/ebiten/v2"
)

// ErrQuit is returned from Update to close the window.
var ErrQuit = errors.New("quit")

// Scene is one screen of the window.
//
// The loop delegates Update and Draw to the current scene; a scene moves
// on by returning its successor from Update.
type Scene interface {
	// Update advances the scene by dt seconds. It returns the next scene
	// on a transition and nil to stay.
	Update(dt float64) (next Scene, err error)

	Draw(screen *ebiten.Image)

	// OnEnter is called each time the scene becomes current.
	OnEnter()
	// OnExit is called when the scene is replaced.
	OnExit()
}
