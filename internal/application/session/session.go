// Package session runs a lockstep match between the local emulator and one
// remote peer.
//
// A Session owns three goroutines started by Start: a sender draining the
// bounded outbound queue into the transport, a receiver routing remote
// messages to the current round, and a heartbeat measuring RTT and
// liveness. Everything else runs on the emulator goroutine through
// HandleHook.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/younwookim/linkplay/internal/application/lockstep"
	"github.com/younwookim/linkplay/internal/application/replay"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/domain/rng"
	"github.com/younwookim/linkplay/internal/infrastructure/transport"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

const tracerName = "github.com/younwookim/linkplay/session"

// InputSource supplies the local joyflags for a tick.
type InputSource interface {
	Sample(round uint32, tick input.Tick) input.Joyflags
}

// InputFunc adapts a function to InputSource.
type InputFunc func(round uint32, tick input.Tick) input.Joyflags

// Sample calls f.
func (f InputFunc) Sample(round uint32, tick input.Tick) input.Joyflags { return f(round, tick) }

// ReplaySink persists finished round logs.
type ReplaySink interface {
	SaveReplay(l *replay.Log) (string, error)
}

// Deps are the collaborators of a session.
type Deps struct {
	Table     *hook.Table
	Transport transport.Transport
	Input     InputSource
	Replays   ReplaySink
	Logger    *log.Logger
	// ROMCRC is the CRC32 of the loaded image; zero uses the table's.
	ROMCRC uint32
	Now    func() time.Time
}

// Stats summarizes a match in progress.
type Stats struct {
	Rounds     int
	Wins       int
	Losses     int
	Draws      int
	Ticks      int
	Stalls     int
	Duplicates int
	RTT        time.Duration
}

// Status is a point-in-time view for monitors.
type Status struct {
	Started    bool
	Done       bool
	Peer       string
	Round      uint32
	RoundState state.RoundState
	Tick       input.Tick
	Stats      Stats
	Outcome    state.Outcome
}

// Session is one match.
type Session struct {
	cfg    Config
	table  *hook.Table
	tr     transport.Transport
	in     InputSource
	sink   ReplaySink
	logger *log.Logger
	now    func() time.Time
	romCRC uint32
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group

	outbound chan []byte
	hello    chan wire.Hello
	linkGone chan struct{}
	done     chan struct{}

	finishOnce sync.Once
	startOnce  sync.Once

	mu         sync.Mutex
	started    bool
	matchID    string
	seed       rng.Shared
	peer       wire.Hello
	snapshot   replay.SnapshotFunc
	matchCtx   context.Context
	matchSpan  trace.Span
	cur        *roundCtx
	nextRound  uint32
	roundBegun chan struct{}
	parked     bool
	txPayload  []byte
	lastRecv   time.Time
	rtt        time.Duration
	hbSeq      uint32
	linkDown   bool
	linkSide   state.Side
	linkErr    error
	logs       []*replay.Log
	paths      []string
	wins       int
	losses     int
	draws      int
	ticks      int
	stalls     int
	dups       int
	outcome    state.Outcome
}

// New validates the hook table against cfg.HookMode and prepares a
// session. The seed is drawn now when this side is the RNG authority.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg = cfg.withDefaults()
	if deps.Table == nil {
		return nil, Wrap(CodeConfig, "session: hook table is required", nil)
	}
	if deps.Transport == nil {
		return nil, Wrap(CodeConfig, "session: transport is required", nil)
	}
	if err := deps.Table.Validate(cfg.HookMode); err != nil {
		return nil, Wrap(CodeConfig, err.Error(), err)
	}
	if deps.Input == nil {
		deps.Input = InputFunc(func(uint32, input.Tick) input.Joyflags { return 0 })
	}
	if deps.Logger == nil {
		deps.Logger = log.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.ROMCRC == 0 {
		deps.ROMCRC = deps.Table.CRC32()
	}

	s := &Session{
		cfg:       cfg,
		table:     deps.Table,
		tr:        deps.Transport,
		in:        deps.Input,
		sink:      deps.Replays,
		logger:    deps.Logger,
		now:       deps.Now,
		romCRC:    deps.ROMCRC,
		tracer:    otel.Tracer(tracerName),
		outbound:  make(chan []byte, cfg.OutboundQueue),
		hello:     make(chan wire.Hello, 1),
		linkGone:  make(chan struct{}),
		done:      make(chan struct{}),
		matchID:   cfg.MatchID,
		nextRound: cfg.FirstRound,
	}
	s.roundBegun = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if cfg.Role.IsRNGAuthority() {
		seed := cfg.Seed
		if seed == 0 {
			var err error
			if seed, err = rng.NewSeed(); err != nil {
				return nil, fmt.Errorf("failed to draw seed: %w", err)
			}
		}
		s.seed = rng.Shared{Seed: seed}
		if s.matchID == "" {
			s.matchID = uuid.NewString()
		}
	}
	return s, nil
}

// Start launches the network goroutines and performs the Hello handshake.
// It returns a CONFIG error when the peers disagree on the game or roles.
func (s *Session) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() { started = true })
	if !started {
		return errors.New("session: already started")
	}

	s.mu.Lock()
	s.lastRecv = s.now()
	s.matchCtx, s.matchSpan = s.tracer.Start(ctx, "linkplay.match", trace.WithAttributes(
		attribute.String("linkplay.game", s.table.ID().String()),
		attribute.String("linkplay.role", s.cfg.Role.String()),
	))
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(s.ctx)
	s.group = g
	g.Go(func() error { return s.sendLoop(gctx) })
	g.Go(func() error { return s.receiveLoop(gctx) })
	if s.cfg.HeartbeatInterval > 0 {
		g.Go(func() error { return s.heartbeatLoop(gctx) })
	}

	if err := s.enqueue(wire.NewHello(s.localHello())); err != nil {
		return s.abortStart(Wrap(CodeAborted, "failed to queue hello", err))
	}

	wait, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	var peer wire.Hello
	select {
	case peer = <-s.hello:
	case <-s.linkGone:
		// A Hello that arrived before the link dropped still counts.
		select {
		case peer = <-s.hello:
		default:
			return s.disconnectBeforeStart()
		}
	case <-s.done:
		return s.Err()
	case <-wait.Done():
		if ctx.Err() != nil {
			return s.abortStart(ctx.Err())
		}
		return s.abortStart(Wrap(CodeAborted, "handshake timed out", wait.Err()))
	}

	if err := s.checkPeer(peer); err != nil {
		return s.abortStart(err)
	}

	s.mu.Lock()
	s.peer = peer
	if !s.cfg.Role.IsRNGAuthority() {
		s.seed = rng.Shared{Seed: peer.Seed}
		s.matchID = peer.MatchID
		if s.matchID == "" {
			s.matchID = uuid.NewString()
		}
	}
	s.started = true
	down := s.linkDown
	s.matchSpan.SetAttributes(attribute.String("linkplay.match_id", s.matchID))
	s.mu.Unlock()
	if down {
		return s.disconnectBeforeStart()
	}

	s.logger.Printf("[session] linked with %q as %s (match %s, seed %08x)",
		peer.Nickname, s.cfg.Role, s.MatchID(), s.Seed())
	return nil
}

func (s *Session) localHello() wire.Hello {
	id := s.table.ID()
	h := wire.Hello{
		Version:   wire.ProtocolVersion,
		GameCode:  string(id.Code[:]),
		Revision:  uint32(id.Revision),
		CRC32:     s.romCRC,
		Nickname:  s.cfg.Nickname,
		Initiator: s.cfg.Role.IsRNGAuthority(),
	}
	if h.Initiator {
		h.Seed = s.seed.Seed
		h.MatchID = s.matchID
	}
	return h
}

func (s *Session) checkPeer(h wire.Hello) error {
	id := s.table.ID()
	switch {
	case h.Version != wire.ProtocolVersion:
		return Wrap(CodeConfig, fmt.Sprintf("protocol version mismatch: local %d, remote %d", wire.ProtocolVersion, h.Version), nil)
	case h.GameCode != string(id.Code[:]) || h.Revision != uint32(id.Revision):
		return Wrap(CodeConfig, fmt.Sprintf("game mismatch: local %s, remote %s_%02x", id, h.GameCode, h.Revision), nil)
	case s.romCRC != 0 && h.CRC32 != 0 && h.CRC32 != s.romCRC:
		return Wrap(CodeConfig, fmt.Sprintf("rom mismatch: local crc32 %08x, remote %08x", s.romCRC, h.CRC32), nil)
	case h.Initiator == s.cfg.Role.IsRNGAuthority():
		return Wrap(CodeConfig, fmt.Sprintf("both peers are %s", s.cfg.Role), nil)
	}
	return nil
}

func (s *Session) disconnectBeforeStart() error {
	s.mu.Lock()
	side, linkErr := s.linkSide, s.linkErr
	s.mu.Unlock()
	s.finish(state.Outcome{Reason: state.ReasonDisconnected, Side: side, Detail: linkErr.Error()})
	return s.Err()
}

func (s *Session) abortStart(err error) error {
	s.finish(state.Outcome{Reason: state.ReasonAborted, Detail: err.Error()})
	return err
}

// finish ends the match once. A Goodbye is queued ahead of the sender's
// final flush.
func (s *Session) finish(o state.Outcome) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.outcome = o
		cur := s.cur
		span := s.matchSpan
		s.mu.Unlock()

		if cur != nil {
			cur.sync.Close(ErrEnded)
		}
		_ = s.enqueue(wire.NewGoodbye(o.String()))

		if span != nil {
			span.SetAttributes(attribute.String("linkplay.outcome", o.Reason.String()))
			if o.Reason != state.ReasonCompleted {
				span.SetStatus(codes.Error, o.String())
			}
			span.End()
		}
		s.logger.Printf("[session] match over: %s", o)
		close(s.done)
	})
}

// Abort ends the match locally. The current round, if any, is recorded as
// aborted.
func (s *Session) Abort(reason string) {
	o := state.Outcome{Reason: state.ReasonAborted, Detail: reason}
	if rc := s.current(); rc != nil && rc.machine.State() != state.Ended {
		rc.machine.Fail(o)
	}
	s.finish(o)
}

// Close aborts a running match, stops the network goroutines and closes
// the transport.
func (s *Session) Close() error {
	s.Abort("closed")
	if s.group != nil {
		// Give the sender a chance to flush the Goodbye.
		flushed := make(chan struct{})
		go func() {
			_ = s.group.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
		case <-time.After(s.cfg.WaitTimeout):
			s.cancel()
			<-flushed
		}
	}
	s.cancel()
	return s.tr.Close()
}

// Done is closed when the match is over.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcome returns the match outcome, pending while running.
func (s *Session) Outcome() state.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the coded error of a failed match, nil while running or
// after a completed one.
func (s *Session) Err() error {
	return outcomeError(s.Outcome())
}

// MatchID returns the identifier shared by both peers.
func (s *Session) MatchID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.matchID
}

// Seed returns the agreed match seed.
func (s *Session) Seed() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed.Seed
}

// Peer returns the remote Hello.
func (s *Session) Peer() wire.Hello {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// RTT returns the last measured round trip time.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// Logs returns the finished round logs in order.
func (s *Session) Logs() []*replay.Log {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*replay.Log(nil), s.logs...)
}

// ReplayPaths returns where the sink stored each finished round.
func (s *Session) ReplayPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...)
}

// Stats returns the match counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Session) statsLocked() Stats {
	st := Stats{
		Rounds:     len(s.logs),
		Wins:       s.wins,
		Losses:     s.losses,
		Draws:      s.draws,
		Ticks:      s.ticks,
		Stalls:     s.stalls,
		Duplicates: s.dups,
		RTT:        s.rtt,
	}
	if s.cur != nil && s.cur.machine.State() != state.Ended {
		cs := s.cur.sync.Stats()
		st.Ticks += cs.Resolved
		st.Duplicates += cs.Duplicates
	}
	return st
}

// Status returns a snapshot for display.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Started: s.started,
		Peer:    s.peer.Nickname,
		Stats:   s.statsLocked(),
		Outcome: s.outcome,
	}
	select {
	case <-s.done:
		st.Done = true
	default:
	}
	if s.cur != nil {
		st.Round = s.cur.index
		st.RoundState = s.cur.machine.State()
		st.Tick = s.cur.sync.Resolved()
	}
	return st
}

func (s *Session) current() *roundCtx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// enqueue hands a message to the sender without blocking.
func (s *Session) enqueue(m wire.Message) error {
	b, err := wire.Encode(m)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- b:
		return nil
	default:
		return lockstep.ErrOutboundFull
	}
}
