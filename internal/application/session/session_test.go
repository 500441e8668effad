package session

import (
	"context"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/younwookim/linkplay/internal/application/replay"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/refcore"
	"github.com/younwookim/linkplay/internal/infrastructure/transport"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

var quiet = log.New(io.Discard, "", 0)

// presses returns an input source pressing b every n ticks.
func presses(b input.Joyflags, n input.Tick) InputSource {
	return InputFunc(func(_ uint32, tick input.Tick) input.Joyflags {
		if tick%n == 0 {
			return b
		}
		return 0
	})
}

type memorySink struct {
	mu   sync.Mutex
	logs []*replay.Log
}

func (m *memorySink) SaveReplay(l *replay.Log) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, l)
	return replay.FileName(l.Header), nil
}

// faultyTransport wraps a pipe end and lets a test intercept outgoing
// messages.
type faultyTransport struct {
	transport.Transport
	onSend func(m wire.Message) (drop bool, err error)
}

func (f *faultyTransport) Send(ctx context.Context, msg []byte) error {
	if f.onSend != nil {
		m, err := wire.Decode(msg)
		if err == nil {
			drop, err := f.onSend(m)
			if err != nil {
				return err
			}
			if drop {
				return nil
			}
		}
	}
	return f.Transport.Send(ctx, msg)
}

type peer struct {
	name string
	core *refcore.Core
	sess *Session
	sink *memorySink
	err  error
}

type pairConfig struct {
	maxTicks  uint32
	bestOf    int
	host      InputSource
	guest     InputSource
	hostCore  refcore.Options
	guestCore refcore.Options
	hostTr    func(transport.Transport) transport.Transport
	guestTr   func(transport.Transport) transport.Transport
	tune      func(*Config)
}

func testConfig(role state.Role, name string) Config {
	cfg := DefaultConfig()
	cfg.Role = role
	cfg.Nickname = name
	cfg.Seed = 0x5eed
	cfg.WaitTimeout = 100 * time.Millisecond
	cfg.StartTimeout = 5 * time.Second
	cfg.DrainTimeout = 5 * time.Second
	cfg.HandshakeTimeout = 5 * time.Second
	cfg.HeartbeatInterval = 0
	cfg.LivenessTimeout = 0
	return cfg
}

func newPeer(t *testing.T, role state.Role, name string, tr transport.Transport, in InputSource, opts refcore.Options, pc pairConfig) *peer {
	t.Helper()
	table, err := refcore.HookTable()
	require.NoError(t, err)

	if opts.MaxTicks == 0 {
		opts.MaxTicks = pc.maxTicks
	}
	if opts.CorruptAt == 0 {
		opts.CorruptAt = -1
	}
	p := &peer{name: name, core: refcore.New(opts), sink: &memorySink{}}

	cfg := testConfig(role, name)
	cfg.BestOf = pc.bestOf
	if pc.tune != nil {
		pc.tune(&cfg)
	}
	p.sess, err = New(cfg, Deps{Table: table, Transport: tr, Input: in, Replays: p.sink, Logger: quiet})
	require.NoError(t, err)
	require.NoError(t, p.sess.Attach(p.core))
	return p
}

// runPair plays a match between two reference cores over an in-memory
// pipe and waits for both sides to finish.
func runPair(t *testing.T, pc pairConfig) (host, guest *peer) {
	t.Helper()
	a, b := transport.NewPipe(64)
	var ta, tb transport.Transport = a, b
	if pc.hostTr != nil {
		ta = pc.hostTr(a)
	}
	if pc.guestTr != nil {
		tb = pc.guestTr(b)
	}
	if pc.host == nil {
		pc.host = presses(input.ButtonA, 7)
	}
	if pc.guest == nil {
		pc.guest = presses(input.ButtonB, 50)
	}
	if pc.hostCore.LocalSeed == 0 {
		pc.hostCore.LocalSeed = 11
	}
	if pc.guestCore.LocalSeed == 0 {
		pc.guestCore.LocalSeed = 29
	}

	host = newPeer(t, state.Initiator, "host", ta, pc.host, pc.hostCore, pc)
	guest = newPeer(t, state.Responder, "guest", tb, pc.guest, pc.guestCore, pc)
	t.Cleanup(func() {
		_ = host.sess.Close()
		_ = guest.sess.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range []*peer{host, guest} {
		wg.Add(1)
		go func(p *peer) {
			defer wg.Done()
			if err := p.sess.Start(ctx); err != nil {
				p.err = err
				return
			}
			p.err = p.sess.Drive(ctx, p.core, 0)
		}(p)
	}
	wg.Wait()
	return host, guest
}

func TestMatch_CompletesWithMirroredWinner(t *testing.T) {
	host, guest := runPair(t, pairConfig{maxTicks: 100})
	require.NoError(t, host.err)
	require.NoError(t, guest.err)

	ho, gu := host.sess.Outcome(), guest.sess.Outcome()
	assert.Equal(t, state.ReasonCompleted, ho.Reason)
	assert.Equal(t, state.WinnerLocal, ho.Winner, "only the host attacks")
	assert.Equal(t, state.ReasonCompleted, gu.Reason)
	assert.Equal(t, state.WinnerRemote, gu.Winner)
	assert.Equal(t, input.Tick(100), ho.Tick)
	assert.NoError(t, host.sess.Err())

	require.Len(t, host.sink.logs, 1)
	require.Len(t, guest.sink.logs, 1)
	hl, gl := host.sink.logs[0], guest.sink.logs[0]
	assert.Len(t, hl.Records, 100)
	assert.Len(t, gl.Records, 100)
	assert.NotEmpty(t, hl.Snapshot)
	assert.Equal(t, hl.Header.MatchID, gl.Header.MatchID)
	assert.Equal(t, uint32(0x5eed), gl.Header.Seed, "the follower adopts the initiator's seed")
	assert.Equal(t, "guest", hl.Header.Remote.Nickname)

	// Both logs hold the same pairs seen from opposite sides.
	for i := range hl.Records {
		assert.True(t, hl.Records[i].Local.Equal(gl.Records[i].Remote), "tick %d", i)
		assert.True(t, hl.Records[i].Remote.Equal(gl.Records[i].Local), "tick %d", i)
	}

	hp0, hp1 := host.core.HP()
	gp0, gp1 := guest.core.HP()
	assert.Equal(t, hp0, gp0)
	assert.Equal(t, hp1, gp1)
	assert.Less(t, hp1, uint32(1000))
}

func TestMatch_SharedRNGFollowsAuthority(t *testing.T) {
	host, guest := runPair(t, pairConfig{
		maxTicks:  120,
		guest:     presses(input.ButtonA, 3),
		guestCore: refcore.Options{PerturbSharedRNG: true},
	})
	require.NoError(t, host.err)
	require.NoError(t, guest.err)

	assert.Equal(t, state.ReasonCompleted, host.sess.Outcome().Reason)
	assert.Equal(t, state.ReasonCompleted, guest.sess.Outcome().Reason)

	hp0, hp1 := host.core.HP()
	gp0, gp1 := guest.core.HP()
	assert.Equal(t, hp0, gp0)
	assert.Equal(t, hp1, gp1)

	for _, rec := range host.sink.logs[0].Records {
		assert.True(t, rec.Local.HasSharedRNG, "the authority sends its rng every tick")
		assert.False(t, rec.Remote.HasSharedRNG)
	}
}

func TestMatch_DesyncStopsBeforeTheBadTick(t *testing.T) {
	host, guest := runPair(t, pairConfig{
		maxTicks:  200,
		guestCore: refcore.Options{CorruptAt: 50},
	})
	require.NoError(t, host.err)
	require.NoError(t, guest.err)

	for _, p := range []*peer{host, guest} {
		o := p.sess.Outcome()
		assert.Equal(t, state.ReasonDesync, o.Reason, p.name)
		assert.Equal(t, input.Tick(50), o.Tick, p.name)
		require.Len(t, p.sink.logs, 1, p.name)
		l := p.sink.logs[0]
		assert.Len(t, l.Records, 50, p.name)
		require.NotNil(t, l.Header.DesyncTick, p.name)
		assert.Equal(t, uint32(50), *l.Header.DesyncTick, p.name)
	}
	assert.ErrorIs(t, host.sess.Err(), &Error{Code: CodeDesync})
}

func TestMatch_RemoteDisconnectIsAttributed(t *testing.T) {
	var closing sync.Once
	host, guest := runPair(t, pairConfig{
		maxTicks: 200,
		guestTr: func(tr transport.Transport) transport.Transport {
			return &faultyTransport{Transport: tr, onSend: func(m wire.Message) (bool, error) {
				if m.Kind == wire.KindInput && m.Input.Tick == 30 {
					closing.Do(func() { _ = tr.Close() })
					return false, transport.ErrDisconnected
				}
				return false, nil
			}}
		},
	})
	require.NoError(t, host.err)
	require.NoError(t, guest.err)

	o := host.sess.Outcome()
	assert.Equal(t, state.ReasonDisconnected, o.Reason)
	assert.Equal(t, state.SideRemote, o.Side)
	assert.Equal(t, input.Tick(30), o.Tick)
	require.Len(t, host.sink.logs, 1)
	assert.Len(t, host.sink.logs[0].Records, 30)
	assert.Equal(t, "disconnected", host.sink.logs[0].Header.Outcome.Reason)

	assert.Equal(t, state.ReasonDisconnected, guest.sess.Outcome().Reason)
	assert.ErrorIs(t, guest.sess.Err(), &Error{Code: CodeDisconnected})
}

// sentLog records the kinds of messages a side puts on the wire.
type sentLog struct {
	mu    sync.Mutex
	kinds []string
}

func (l *sentLog) wrap(tr transport.Transport) transport.Transport {
	return &faultyTransport{Transport: tr, onSend: func(m wire.Message) (bool, error) {
		name := m.Kind.String()
		if m.Kind == wire.KindControl {
			name = m.Control.Kind.String()
		}
		l.mu.Lock()
		l.kinds = append(l.kinds, name)
		l.mu.Unlock()
		return false, nil
	}}
}

func (l *sentLog) index(kind string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, k := range l.kinds {
		if k == kind {
			return i
		}
	}
	return -1
}

func TestMatch_RoundReportsPrecedeGoodbye(t *testing.T) {
	for i := 0; i < 5; i++ {
		var hostSent, guestSent sentLog
		host, guest := runPair(t, pairConfig{
			maxTicks: 100,
			hostTr:   hostSent.wrap,
			guestTr:  guestSent.wrap,
		})
		require.NoError(t, host.err)
		require.NoError(t, guest.err)

		ho, gu := host.sess.Outcome(), guest.sess.Outcome()
		require.Equal(t, state.ReasonCompleted, ho.Reason, "run %d: host %s", i, ho)
		require.Equal(t, state.ReasonCompleted, gu.Reason, "run %d: guest %s", i, gu)
		assert.Equal(t, state.WinnerLocal, ho.Winner)
		assert.Equal(t, state.WinnerRemote, gu.Winner)

		for name, sent := range map[string]*sentLog{"host": &hostSent, "guest": &guestSent} {
			ending, result := sent.index(wire.ControlEnding.String()), sent.index(wire.ControlResult.String())
			require.GreaterOrEqual(t, ending, 0, "%s sent no ending", name)
			require.GreaterOrEqual(t, result, 0, "%s sent no result", name)
			if bye := sent.index(wire.KindGoodbye.String()); bye >= 0 {
				assert.Less(t, ending, bye, name)
				assert.Less(t, result, bye, name)
			}
		}

		require.Len(t, host.sink.logs, 1)
		var results int
		for _, c := range host.sink.logs[0].Controls {
			if c.Control.Kind == wire.ControlResult {
				results++
			}
		}
		assert.Equal(t, 1, results, "the host log keeps the guest's result")
	}
}

func TestMatch_StallIsReportedOnceAndRecovers(t *testing.T) {
	host, guest := runPair(t, pairConfig{
		maxTicks: 40,
		guestTr: func(tr transport.Transport) transport.Transport {
			return &faultyTransport{Transport: tr, onSend: func(m wire.Message) (bool, error) {
				if m.Kind == wire.KindInput && m.Input.Tick == 12 {
					time.Sleep(250 * time.Millisecond)
				}
				return false, nil
			}}
		},
	})
	require.NoError(t, host.err)
	require.NoError(t, guest.err)

	assert.Equal(t, state.ReasonCompleted, host.sess.Outcome().Reason)
	assert.Equal(t, state.ReasonCompleted, guest.sess.Outcome().Reason)
	assert.Equal(t, 1, host.sess.Stats().Stalls, "one report for the delayed tick")
	assert.Len(t, host.sink.logs[0].Records, 40)
}

func TestMatch_StallEscalation(t *testing.T) {
	host, _ := runPair(t, pairConfig{
		maxTicks: 40,
		tune: func(c *Config) {
			if c.Role == state.Initiator {
				c.StallPolicy = StallEscalate
			}
		},
		guestTr: func(tr transport.Transport) transport.Transport {
			return &faultyTransport{Transport: tr, onSend: func(m wire.Message) (bool, error) {
				if m.Kind == wire.KindInput && m.Input.Tick == 12 {
					time.Sleep(250 * time.Millisecond)
				}
				return false, nil
			}}
		},
	})
	require.NoError(t, host.err)

	o := host.sess.Outcome()
	assert.Equal(t, state.ReasonStalled, o.Reason)
	assert.Equal(t, input.Tick(12), o.Tick)
	assert.Len(t, host.sink.logs[0].Records, 12)
}

func TestMatch_BestOfThree(t *testing.T) {
	host, guest := runPair(t, pairConfig{maxTicks: 30, bestOf: 3})
	require.NoError(t, host.err)
	require.NoError(t, guest.err)

	assert.Equal(t, state.Outcome{Reason: state.ReasonCompleted, Winner: state.WinnerLocal, Tick: 30}, host.sess.Outcome())
	assert.Equal(t, state.WinnerRemote, guest.sess.Outcome().Winner)

	st := host.sess.Stats()
	assert.Equal(t, 2, st.Rounds, "two wins settle a best of three")
	assert.Equal(t, 2, st.Wins)
	assert.Equal(t, 60, st.Ticks)

	logs := host.sess.Logs()
	require.Len(t, logs, 2)
	assert.Equal(t, uint32(0), logs[0].Header.Round)
	assert.Equal(t, uint32(1), logs[1].Header.Round)
	assert.Equal(t, logs[1].Header.MatchID+"_r01.lkrp", replay.FileName(logs[1].Header))
}

func TestMatch_ReplayIsDeterministic(t *testing.T) {
	host, _ := runPair(t, pairConfig{maxTicks: 80, guest: presses(input.ButtonA, 4)})
	require.NoError(t, host.err)
	require.Len(t, host.sink.logs, 1)
	original := host.sink.logs[0]

	table, err := refcore.HookTable()
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	first, err := Playback(ctx, original, table, refcore.New(refcore.Options{MaxTicks: 80, CorruptAt: -1}), quiet)
	require.NoError(t, err)
	second, err := Playback(ctx, original, table, refcore.New(refcore.Options{MaxTicks: 80, CorruptAt: -1}), quiet)
	require.NoError(t, err)

	assert.Equal(t, -1, replay.Diff(original, first))
	assert.Equal(t, -1, replay.Diff(first, second))
	assert.Equal(t, "completed", first.Header.Outcome.Reason)

	require.NoError(t, Verify(ctx, original, table, refcore.New(refcore.Options{MaxTicks: 80, CorruptAt: -1}), quiet))
}

func TestHandshake_RejectsMismatchedGame(t *testing.T) {
	a, b := transport.NewPipe(8)
	table, err := refcore.HookTable()
	require.NoError(t, err)
	other, err := hook.NewTable(hook.GameID{Code: [4]byte{'B', '4', 'B', 'E'}}, "other", 0,
		map[hook.Event]hook.Address{
			hook.RoundStart: 0x08000100, hook.RoundEnding: 0x08000200,
			hook.RoundResult: 0x08000300, hook.ReadInput: 0x08000400,
		},
		map[hook.Region]hook.Span{
			hook.RegionRNGShared:   {Addr: 0x02000000, Size: 4},
			hook.RegionBattleState: {Addr: 0x02000100, Size: 4},
		})
	require.NoError(t, err)

	host, err := New(testConfig(state.Initiator, "host"), Deps{Table: table, Transport: a, Logger: quiet})
	require.NoError(t, err)
	guest, err := New(testConfig(state.Responder, "guest"), Deps{Table: other, Transport: b, Logger: quiet})
	require.NoError(t, err)
	defer host.Close()
	defer guest.Close()

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() { errs <- host.Start(ctx) }()
	go func() { errs <- guest.Start(ctx) }()

	for i := 0; i < 2; i++ {
		err := <-errs
		require.Error(t, err)
	}
	var coded *Error
	assert.ErrorAs(t, guest.Err(), &coded)
	assert.Equal(t, state.ReasonAborted, guest.Outcome().Reason)
	assert.Contains(t, guest.Outcome().Detail, "game mismatch")
}

func TestHandshake_RejectsSameRole(t *testing.T) {
	a, b := transport.NewPipe(8)
	table, err := refcore.HookTable()
	require.NoError(t, err)

	one, err := New(testConfig(state.Initiator, "one"), Deps{Table: table, Transport: a, Logger: quiet})
	require.NoError(t, err)
	two, err := New(testConfig(state.Initiator, "two"), Deps{Table: table, Transport: b, Logger: quiet})
	require.NoError(t, err)
	defer one.Close()
	defer two.Close()

	ctx := context.Background()
	errs := make(chan error, 2)
	go func() { errs <- one.Start(ctx) }()
	go func() { errs <- two.Start(ctx) }()

	err = <-errs
	assert.ErrorIs(t, err, &Error{Code: CodeConfig})
	assert.ErrorContains(t, err, "both peers are initiator")
	<-errs
}

func TestNew_ValidatesTable(t *testing.T) {
	a, _ := transport.NewPipe(1)
	table, err := refcore.HookTable()
	require.NoError(t, err)

	cfg := testConfig(state.Initiator, "host")
	cfg.HookMode = hook.Strict
	_, err = New(cfg, Deps{Table: table, Transport: a})
	var cfgErr *hook.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, &Error{Code: CodeConfig})

	_, err = New(testConfig(state.Initiator, "host"), Deps{Table: table})
	assert.Error(t, err)
}

func TestHandleHook_BeforeStart(t *testing.T) {
	a, _ := transport.NewPipe(1)
	table, err := refcore.HookTable()
	require.NoError(t, err)
	s, err := New(testConfig(state.Initiator, "host"), Deps{Table: table, Transport: a, Logger: quiet})
	require.NoError(t, err)

	core := refcore.New(refcore.DefaultOptions())
	require.NoError(t, s.Attach(core))
	assert.ErrorIs(t, core.Step(), ErrNotStarted)

	s.Abort("test")
	assert.ErrorIs(t, core.Step(), ErrEnded)
	assert.Equal(t, state.ReasonAborted, s.Outcome().Reason)
}

func TestChecksum_FoldsBothHalves(t *testing.T) {
	a := checksum([]byte{1, 2, 3})
	b := checksum([]byte{1, 2, 4})
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, checksum([]byte{1, 2, 3}))
}
