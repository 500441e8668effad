package session

import (
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/younwookim/linkplay/internal/application/lockstep"
	"github.com/younwookim/linkplay/internal/application/replay"
	"github.com/younwookim/linkplay/internal/application/round"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

// roundCtx bundles the per-round collaborators.
type roundCtx struct {
	index    uint32
	sync     *lockstep.Synchronizer
	machine  *round.Machine
	recorder *replay.Recorder
	span     trace.Span

	mu           sync.Mutex
	remote       input.Packet
	hasRemote    bool
	remoteEnding bool
	remoteResult bool
}

func (rc *roundCtx) setRemote(p input.Packet) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.remote, rc.hasRemote = p, true
}

func (rc *roundCtx) lastRemote() (input.Packet, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.remote, rc.hasRemote
}

// remoteComplete reports whether the peer already announced both its end
// tick and its result.
func (rc *roundCtx) remoteComplete() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.remoteEnding && rc.remoteResult
}

// beginRound creates the next round and wakes a receiver waiting for it.
// It returns nil when a round is already running.
func (s *Session) beginRound() *roundCtx {
	s.mu.Lock()
	if s.cur != nil && s.cur.machine.State() != state.Ended {
		s.mu.Unlock()
		return nil
	}

	idx := s.nextRound
	s.nextRound++
	rc := &roundCtx{
		index:   idx,
		machine: round.New(idx),
	}
	rc.sync = lockstep.New(lockstep.Config{
		Role:         s.cfg.Role,
		Round:        idx,
		WaitTimeout:  s.cfg.WaitTimeout,
		PendingLimit: s.cfg.PendingLimit,
	}, lockstep.OutboxFunc(func(p input.Packet) error {
		return s.enqueue(wire.NewInput(p))
	}))
	rc.recorder = replay.NewRecorder(s.headerLocked(idx), s.cfg.SnapshotInterval, s.snapshot)
	_, rc.span = s.tracer.Start(s.matchCtx, "linkplay.round",
		trace.WithAttributes(attribute.Int64("linkplay.round", int64(idx))))

	rc.sync.Observe(func(res lockstep.Resolution) {
		if err := rc.recorder.RecordResolution(res); err != nil {
			s.logger.Printf("[session] round %d: %v", idx, err)
		}
		rc.machine.Resolved(res.Tick + 1)
	})
	rc.machine.OnTransition(func(tr round.Transition) {
		s.onTransition(rc, tr)
	})

	s.cur = rc
	close(s.roundBegun)
	s.roundBegun = make(chan struct{})
	s.mu.Unlock()
	return rc
}

func (s *Session) headerLocked(idx uint32) replay.Header {
	id := s.table.ID()
	return replay.Header{
		MatchID:   s.matchID,
		Round:     idx,
		Game:      replay.GameInfo{ID: id.String(), Title: s.table.Title(), CRC32: s.romCRC},
		Local:     replay.Participant{Nickname: s.cfg.Nickname},
		Remote:    replay.Participant{Nickname: s.peer.Nickname},
		Role:      s.cfg.Role.String(),
		Seed:      s.seed.Seed,
		StartTime: s.now().UTC().Format(time.RFC3339),
	}
}

// applyControl feeds a remote control message into the round.
func (s *Session) applyControl(rc *roundCtx, c wire.Control) {
	rc.recorder.RecordControl(c)
	switch c.Kind {
	case wire.ControlStart:
		rc.machine.RemoteStart(c.Tick)
	case wire.ControlEnding:
		rc.mu.Lock()
		rc.remoteEnding = true
		rc.mu.Unlock()
		rc.machine.RemoteEnding(c.Tick)
	case wire.ControlResult:
		rc.mu.Lock()
		rc.remoteResult = true
		rc.mu.Unlock()
		rc.machine.RemoteResult(state.Winner(c.Value))
	case wire.ControlDesync:
		rc.machine.Fail(state.Outcome{Reason: state.ReasonDesync, Tick: c.Tick, Detail: "peer detected desync"})
	default:
		s.logger.Printf("[session] round %d: ignoring %s", rc.index, c.Kind)
	}
}

func (s *Session) onTransition(rc *roundCtx, tr round.Transition) {
	s.logger.Printf("[session] round %d: %s -> %s", tr.Round, tr.From, tr.To)
	rc.span.AddEvent(tr.To.String())
	if tr.To == state.Ended {
		s.endRound(rc, tr.Outcome)
	}
}

// endRound finalizes and stores the round's log, tallies the result and
// decides whether the match goes on.
func (s *Session) endRound(rc *roundCtx, o state.Outcome) {
	rc.sync.Close(ErrEnded)
	l := rc.recorder.Finalize(o, s.now())

	rc.span.SetAttributes(
		attribute.String("linkplay.outcome", o.Reason.String()),
		attribute.Int64("linkplay.ticks", int64(l.Header.Ticks)),
	)
	if o.Reason != state.ReasonCompleted {
		rc.span.SetStatus(codes.Error, o.String())
	}
	rc.span.End()

	var path string
	if s.sink != nil {
		var err error
		if path, err = s.sink.SaveReplay(l); err != nil {
			s.logger.Printf("[session] failed to save replay for round %d: %v", rc.index, err)
		} else {
			s.logger.Printf("[session] replay saved: %s (%d ticks)", path, l.Header.Ticks)
		}
	}

	cs := rc.sync.Stats()
	s.mu.Lock()
	s.logs = append(s.logs, l)
	if path != "" {
		s.paths = append(s.paths, path)
	}
	s.ticks += cs.Resolved
	s.dups += cs.Duplicates
	if o.Reason == state.ReasonCompleted {
		switch o.Winner {
		case state.WinnerLocal:
			s.wins++
		case state.WinnerRemote:
			s.losses++
		default:
			s.draws++
		}
	}
	need := s.cfg.winsNeeded()
	over := o.Reason != state.ReasonCompleted ||
		s.wins >= need || s.losses >= need || len(s.logs) >= s.cfg.BestOf
	match := s.tallyLocked(o.Tick)
	linkDown, side, linkErr := s.linkDown, s.linkSide, s.linkErr
	s.mu.Unlock()

	switch {
	case o.Reason != state.ReasonCompleted:
		s.finish(o)
	case over:
		s.finish(match)
	case linkDown:
		s.finish(state.Outcome{Reason: state.ReasonDisconnected, Side: side, Tick: o.Tick, Detail: linkErr.Error()})
	}
}

// tallyLocked is the completed match outcome for the rounds played so far.
func (s *Session) tallyLocked(tick input.Tick) state.Outcome {
	o := state.Outcome{Reason: state.ReasonCompleted, Tick: tick}
	switch {
	case s.wins > s.losses:
		o.Winner = state.WinnerLocal
	case s.losses > s.wins:
		o.Winner = state.WinnerRemote
	default:
		o.Winner = state.WinnerDraw
	}
	return o
}
