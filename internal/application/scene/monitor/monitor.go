// Package monitor provides the status window scenes: linking, the match
// in progress and the final result.
package monitor

import (
	"fmt"
	"image/color"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/younwookim/linkplay/internal/application/scene"
	"github.com/younwookim/linkplay/internal/application/session"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/infrastructure/keypad"
)

// Colors for rendering
var (
	colorBG       = color.RGBA{26, 26, 46, 255}
	colorBarBG    = color.RGBA{60, 60, 60, 255}
	colorProgress = color.RGBA{100, 200, 100, 255}
	colorStall    = color.RGBA{220, 160, 40, 255}
	colorWin      = color.RGBA{100, 200, 100, 255}
	colorLoss     = color.RGBA{200, 80, 80, 255}
)

// StatusSource is polled once per frame.
type StatusSource interface {
	Status() session.Status
}

// Env is shared by all scenes of one window.
type Env struct {
	Source StatusSource
	// Keys and Pad are optional; with both set the held buttons are
	// forwarded to the emulator every frame.
	Keys keypad.KeyMap
	Pad  *keypad.Shared
	// MaxTicks scales the round progress bar; zero hides it.
	MaxTicks int
	Title    string

	pressed     func(ebiten.Key) bool
	justPressed func(ebiten.Key) bool
}

func (e *Env) isPressed(k ebiten.Key) bool {
	if e.pressed != nil {
		return e.pressed(k)
	}
	return ebiten.IsKeyPressed(k)
}

func (e *Env) isJustPressed(k ebiten.Key) bool {
	if e.justPressed != nil {
		return e.justPressed(k)
	}
	return inpututil.IsKeyJustPressed(k)
}

func (e *Env) pollPad() {
	if e.Keys != nil && e.Pad != nil {
		e.Pad.Store(e.Keys.Poll(e.isPressed))
	}
}

// Start returns the first scene for env.
func Start(env *Env) scene.Scene {
	return &Linking{env: env}
}

// Linking waits for the handshake.
type Linking struct {
	env     *Env
	elapsed float64
	status  session.Status
}

// Update moves to the match once the peers agreed, or straight to the
// result when the handshake failed.
func (l *Linking) Update(dt float64) (scene.Scene, error) {
	l.elapsed += dt
	l.status = l.env.Source.Status()
	switch {
	case l.status.Done:
		return &Result{env: l.env, status: l.status}, nil
	case l.status.Started:
		return &Match{env: l.env}, nil
	}
	if l.env.isJustPressed(ebiten.KeyEscape) {
		return nil, scene.ErrQuit
	}
	return nil, nil
}

func (l *Linking) Draw(screen *ebiten.Image) {
	screen.Fill(colorBG)
	dots := int(l.elapsed*2) % 4
	ebitenutil.DebugPrintAt(screen, l.env.Title, 8, 8)
	ebitenutil.DebugPrintAt(screen, "linking"+"..."[:dots], 8, 32)
	ebitenutil.DebugPrintAt(screen, "esc: quit", 8, 56)
}

func (l *Linking) OnEnter() { l.elapsed = 0 }
func (l *Linking) OnExit()  {}

// Match shows the current round while forwarding keyboard input.
type Match struct {
	env       *Env
	status    session.Status
	lastStall int
	flash     float64
}

func (m *Match) Update(dt float64) (scene.Scene, error) {
	m.env.pollPad()
	m.status = m.env.Source.Status()
	if m.status.Done {
		return &Result{env: m.env, status: m.status}, nil
	}
	if m.status.Stats.Stalls > m.lastStall {
		m.lastStall = m.status.Stats.Stalls
		m.flash = 1
	}
	if m.flash > 0 {
		m.flash -= dt
	}
	return nil, nil
}

func (m *Match) Draw(screen *ebiten.Image) {
	screen.Fill(colorBG)
	st := m.status
	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("%s vs %s", m.env.Title, st.Peer), 8, 8)
	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("round %d  %s  tick %d", st.Round+1, st.RoundState, st.Tick), 8, 28)
	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("score %d-%d  draws %d", st.Stats.Wins, st.Stats.Losses, st.Stats.Draws), 8, 44)
	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("rtt %s  stalls %d  dup %d", st.Stats.RTT.Round(time.Millisecond), st.Stats.Stalls, st.Stats.Duplicates), 8, 60)

	if m.env.MaxTicks > 0 {
		w := float64(screen.Bounds().Dx() - 16)
		ebitenutil.DrawRect(screen, 8, 84, w, 8, colorBarBG)
		frac := float64(st.Tick) / float64(m.env.MaxTicks)
		if frac > 1 {
			frac = 1
		}
		ebitenutil.DrawRect(screen, 8, 84, w*frac, 8, colorProgress)
	}
	if m.flash > 0 {
		ebitenutil.DrawRect(screen, 0, 0, float64(screen.Bounds().Dx()), 4, colorStall)
	}
}

func (m *Match) OnEnter() {}

// OnExit releases every button so a closed window does not hold input.
func (m *Match) OnExit() {
	if m.env.Pad != nil {
		m.env.Pad.Store(0)
	}
}

// Result shows the outcome until the window is closed.
type Result struct {
	env    *Env
	status session.Status
}

func (r *Result) Update(float64) (scene.Scene, error) {
	if r.env.isJustPressed(ebiten.KeyEscape) || r.env.isJustPressed(ebiten.KeyEnter) {
		return nil, scene.ErrQuit
	}
	return nil, nil
}

// Headline summarizes the outcome from the local player's view.
func Headline(o state.Outcome) string {
	switch o.Reason {
	case state.ReasonCompleted:
		switch o.Winner {
		case state.WinnerLocal:
			return "you win"
		case state.WinnerRemote:
			return "you lose"
		default:
			return "draw"
		}
	case state.ReasonDisconnected:
		return fmt.Sprintf("disconnected (%s)", o.Side)
	case state.ReasonDesync:
		return fmt.Sprintf("desync at tick %d", o.Tick)
	case state.ReasonStalled:
		return fmt.Sprintf("stalled at tick %d", o.Tick)
	default:
		return o.Reason.String()
	}
}

func (r *Result) Draw(screen *ebiten.Image) {
	screen.Fill(colorBG)
	o := r.status.Outcome
	c := colorLoss
	if o.Reason == state.ReasonCompleted && o.Winner != state.WinnerRemote {
		c = colorWin
	}
	ebitenutil.DrawRect(screen, 8, 8, 4, 12, c)
	ebitenutil.DebugPrintAt(screen, Headline(o), 18, 8)
	st := r.status.Stats
	ebitenutil.DebugPrintAt(screen, fmt.Sprintf("rounds %d  score %d-%d  ticks %d", st.Rounds, st.Wins, st.Losses, st.Ticks), 8, 32)
	if o.Detail != "" {
		ebitenutil.DebugPrintAt(screen, o.Detail, 8, 48)
	}
	ebitenutil.DebugPrintAt(screen, "enter: close", 8, 72)
}

func (r *Result) OnEnter() {}
func (r *Result) OnExit()  {}
