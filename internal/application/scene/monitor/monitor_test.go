package monitor

import (
	"testing"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younwookim/linkplay/internal/application/scene"
	"github.com/younwookim/linkplay/internal/application/session"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/keypad"
)

type fakeSource struct{ st session.Status }

func (f *fakeSource) Status() session.Status { return f.st }

func newEnv(src StatusSource, held ...ebiten.Key) *Env {
	isHeld := func(k ebiten.Key) bool {
		for _, h := range held {
			if h == k {
				return true
			}
		}
		return false
	}
	return &Env{
		Source:      src,
		Keys:        keypad.DefaultKeyMap(),
		Pad:         &keypad.Shared{},
		MaxTicks:    100,
		Title:       "REFDUEL",
		pressed:     isHeld,
		justPressed: isHeld,
	}
}

func TestScenesImplementScene(t *testing.T) {
	var _ scene.Scene = (*Linking)(nil)
	var _ scene.Scene = (*Match)(nil)
	var _ scene.Scene = (*Result)(nil)
}

func TestLinking_WaitsForHandshake(t *testing.T) {
	src := &fakeSource{}
	l := Start(newEnv(src))

	next, err := l.Update(1.0 / 60)
	require.NoError(t, err)
	assert.Nil(t, next)

	src.st.Started = true
	next, err = l.Update(1.0 / 60)
	require.NoError(t, err)
	assert.IsType(t, &Match{}, next)
}

func TestLinking_FailedHandshakeShowsResult(t *testing.T) {
	src := &fakeSource{st: session.Status{Done: true, Outcome: state.Outcome{Reason: state.ReasonAborted, Detail: "game mismatch"}}}
	next, err := Start(newEnv(src)).Update(1.0 / 60)
	require.NoError(t, err)
	res, ok := next.(*Result)
	require.True(t, ok)
	assert.Equal(t, "game mismatch", res.status.Outcome.Detail)
}

func TestLinking_EscapeQuits(t *testing.T) {
	_, err := Start(newEnv(&fakeSource{}, ebiten.KeyEscape)).Update(1.0 / 60)
	assert.ErrorIs(t, err, scene.ErrQuit)
}

func TestMatch_ForwardsKeysAndFlashesStalls(t *testing.T) {
	src := &fakeSource{st: session.Status{Started: true, RoundState: state.InProgress, Tick: 40}}
	env := newEnv(src, ebiten.KeyX, ebiten.KeyArrowLeft)
	m := &Match{env: env}

	next, err := m.Update(1.0 / 60)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.Equal(t, input.ButtonA|input.ButtonLeft, env.Pad.Sample(0, 0))

	src.st.Stats.Stalls = 1
	_, err = m.Update(1.0 / 60)
	require.NoError(t, err)
	assert.Positive(t, m.flash)

	m.Draw(ebiten.NewImage(320, 240))

	src.st.Done = true
	next, err = m.Update(1.0 / 60)
	require.NoError(t, err)
	assert.IsType(t, &Result{}, next)

	m.OnExit()
	assert.Zero(t, env.Pad.Sample(0, 0))
}

func TestResult_DrawsAndQuits(t *testing.T) {
	env := newEnv(&fakeSource{})
	r := &Result{env: env, status: session.Status{Done: true, Outcome: state.Outcome{Reason: state.ReasonCompleted, Winner: state.WinnerLocal}}}
	r.Draw(ebiten.NewImage(320, 240))

	next, err := r.Update(1.0 / 60)
	require.NoError(t, err)
	assert.Nil(t, next)

	env.justPressed = func(k ebiten.Key) bool { return k == ebiten.KeyEnter }
	_, err = r.Update(1.0 / 60)
	assert.ErrorIs(t, err, scene.ErrQuit)
}

func TestHeadline(t *testing.T) {
	tests := []struct {
		o    state.Outcome
		want string
	}{
		{state.Outcome{Reason: state.ReasonCompleted, Winner: state.WinnerLocal}, "you win"},
		{state.Outcome{Reason: state.ReasonCompleted, Winner: state.WinnerRemote}, "you lose"},
		{state.Outcome{Reason: state.ReasonCompleted, Winner: state.WinnerDraw}, "draw"},
		{state.Outcome{Reason: state.ReasonDesync, Tick: 50}, "desync at tick 50"},
		{state.Outcome{Reason: state.ReasonStalled, Tick: 12}, "stalled at tick 12"},
		{state.Outcome{Reason: state.ReasonDisconnected, Side: state.SideRemote}, "disconnected (remote)"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, Headline(tt.o))
		})
	}
}
