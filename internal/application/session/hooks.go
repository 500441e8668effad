package session

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/younwookim/linkplay/internal/application/lockstep"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/emu"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

// Values the link routines expect in r0.
const (
	linkReady        = 2
	linkDisconnected = 4
)

// Register conventions at the hooked addresses.
const (
	regResult = 0
	regInput  = 4
)

// HandleHook implements emu.Handler. It runs on the emulator goroutine and
// may block up to the configured timeouts.
func (s *Session) HandleHook(ctx context.Context, call emu.Call) (emu.Action, error) {
	if s.isDone() {
		return emu.Action{}, ErrEnded
	}
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return emu.Action{}, ErrNotStarted
	}

	switch call.Event {
	case hook.RoundStart:
		return emu.Action{}, s.onRoundStart(ctx, call)
	case hook.ReadInput:
		return emu.Action{}, s.onReadInput(ctx, call)
	case hook.RoundEnding:
		s.onRoundEnding()
	case hook.RoundResult:
		s.onRoundResult(call)
	case hook.RoundEnd:
		return emu.Action{}, s.onRoundEnd(ctx)
	case hook.MatchEnd:
		return emu.Action{}, s.onMatchEnd(ctx)
	case hook.CopyInputEntry:
		s.injectRemote(call.Mem)
	case hook.CopyInputRet:
		s.captureLocal(call.Mem)
	case hook.InputStateRet:
		s.mu.Lock()
		down := s.linkDown
		s.mu.Unlock()
		if down {
			call.Regs.Set(regResult, linkDisconnected)
		} else {
			call.Regs.Set(regResult, linkReady)
		}
	case hook.IsP2, hook.LinkIsP2:
		call.Regs.Set(regResult, s.cfg.Role.PlayerIndex())
	case hook.HandleSIO, hook.LinkCableInput:
		return emu.Action{Skip: true}, nil
	case hook.OpponentName:
		s.writeOpponentName(call.Mem)
	case hook.CommMenuInit, hook.CommMenuEnd:
		s.logger.Printf("[session] %s", call.Event)
	}
	return emu.Action{}, nil
}

func (s *Session) onRoundStart(ctx context.Context, call emu.Call) error {
	s.mu.Lock()
	down, side, linkErr := s.linkDown, s.linkSide, s.linkErr
	s.mu.Unlock()
	if down {
		s.finish(state.Outcome{Reason: state.ReasonDisconnected, Side: side, Detail: linkErr.Error()})
		return ErrEnded
	}

	rc := s.beginRound()
	if rc == nil {
		return nil
	}

	tick := rc.sync.NextTick()
	if err := s.enqueue(wire.NewControl(wire.Control{Kind: wire.ControlStart, Round: rc.index, Tick: tick})); err != nil {
		s.linkLost(state.SideLocal, err)
		return ErrEnded
	}
	rc.machine.LocalStart(tick)

	wait, cancel := context.WithTimeout(ctx, s.cfg.StartTimeout)
	st, err := rc.machine.Wait(wait, func(st state.RoundState) bool { return st != state.AwaitingStart })
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.machine.StartTimeout()
		return ErrEnded
	}
	if st == state.Ended {
		return ErrEnded
	}

	// The snapshot is taken before the round seed is installed so that a
	// restored state re-runs this hook.
	if s.snapshot != nil {
		b, err := s.snapshot()
		if err != nil {
			return fmt.Errorf("failed to snapshot round %d start: %w", rc.index, err)
		}
		rc.recorder.SetStartSnapshot(b)
	}
	if err := call.Mem.WriteU32(hook.RegionRNGShared, s.seed.RoundSeed(rc.index)); err != nil {
		return fmt.Errorf("failed to seed round %d: %w", rc.index, err)
	}
	s.logger.Printf("[session] round %d started", rc.index)
	return nil
}

func (s *Session) onReadInput(ctx context.Context, call emu.Call) error {
	rc := s.current()
	if rc == nil || rc.machine.State() != state.InProgress {
		// Outside a live round the game sees an idle pad.
		call.Regs.Set(regInput, 0)
		return nil
	}

	tick := rc.sync.NextTick()
	joy := s.in.Sample(rc.index, tick) & input.AllButtons
	local := lockstep.Local{Joyflags: joy}
	if b, err := call.Mem.ReadAll(hook.RegionBattleState); err == nil {
		local.Checksum, local.HasChecksum = checksum(b), true
	}
	if s.cfg.Role.IsRNGAuthority() {
		if v, err := call.Mem.ReadU32(hook.RegionRNGShared); err == nil {
			local.SharedRNG, local.HasSharedRNG = v, true
		}
	}
	s.mu.Lock()
	local.Payload, s.txPayload = s.txPayload, nil
	s.mu.Unlock()

	res, err := s.exchange(ctx, rc, local)
	if err != nil {
		return err
	}

	if !s.cfg.Role.IsRNGAuthority() && res.HasSharedRNG {
		if err := call.Mem.WriteU32(hook.RegionRNGShared, res.SharedRNG); err != nil {
			return fmt.Errorf("failed to apply shared rng at tick %d: %w", res.Tick, err)
		}
	}
	rc.setRemote(res.Remote)
	if _, ok := s.table.Lookup(hook.CopyInputEntry); !ok {
		s.injectRemote(call.Mem)
	}
	call.Regs.Set(regInput, uint32(joy))
	return nil
}

// exchange submits the local packet and waits for its pair, applying the
// stall policy. A nil error means the tick resolved.
func (s *Session) exchange(ctx context.Context, rc *roundCtx, local lockstep.Local) (lockstep.Resolution, error) {
	if _, err := rc.sync.Submit(local); err != nil {
		if errors.Is(err, lockstep.ErrOutboundFull) {
			s.linkLost(state.SideLocal, err)
		}
		return lockstep.Resolution{}, s.roundErr(err)
	}

	for {
		res, err := rc.sync.Await(ctx)
		if err == nil {
			return res, nil
		}

		var stall *lockstep.StallError
		var desync *lockstep.DesyncError
		var perr *lockstep.ProtocolError
		switch {
		case errors.As(err, &stall):
			s.mu.Lock()
			s.stalls++
			down := s.linkDown
			s.mu.Unlock()
			rc.span.AddEvent("stall")
			s.logger.Printf("[session] round %d: %v", rc.index, stall)
			if s.cfg.StallPolicy == StallEscalate {
				rc.machine.Fail(state.Outcome{Reason: state.ReasonStalled, Tick: stall.Tick, Detail: stall.Error()})
				return lockstep.Resolution{}, ErrEnded
			}
			if down {
				rc.machine.Disconnect(state.SideRemote, "link closed before the round finished")
				return lockstep.Resolution{}, ErrEnded
			}
		case errors.Is(err, lockstep.ErrPeerGone):
			s.mu.Lock()
			side, linkErr := s.linkSide, s.linkErr
			s.mu.Unlock()
			rc.machine.Disconnect(side, linkErr.Error())
			return lockstep.Resolution{}, ErrEnded
		case errors.Is(err, lockstep.ErrStillWaiting):
		case errors.As(err, &desync):
			_ = s.enqueue(wire.NewControl(wire.Control{Kind: wire.ControlDesync, Round: rc.index, Tick: desync.Tick}))
			rc.machine.Fail(state.Outcome{Reason: state.ReasonDesync, Tick: desync.Tick, Detail: desync.Error()})
			return lockstep.Resolution{}, ErrEnded
		case errors.As(err, &perr):
			rc.machine.Fail(state.Outcome{Reason: state.ReasonAborted, Tick: perr.Tick, Detail: perr.Error()})
			return lockstep.Resolution{}, ErrEnded
		default:
			return lockstep.Resolution{}, s.roundErr(err)
		}
	}
}

// roundErr maps a closed synchronizer to ErrEnded and passes context
// errors through.
func (s *Session) roundErr(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return ErrEnded
}

func (s *Session) onRoundEnding() {
	rc := s.current()
	if rc == nil || rc.machine.State() != state.InProgress {
		return
	}
	tick := rc.sync.Resolved()
	// The peer must see our report before anything finishing the match
	// queues a Goodbye behind it.
	if err := s.enqueue(wire.NewControl(wire.Control{Kind: wire.ControlEnding, Round: rc.index, Tick: tick})); err != nil {
		s.linkLost(state.SideLocal, err)
	}
	rc.machine.LocalEnding(tick)
}

func (s *Session) onRoundResult(call emu.Call) {
	rc := s.current()
	if rc == nil || rc.machine.State() == state.Ended {
		return
	}
	var w state.Winner
	switch call.Regs.Get(regResult) {
	case 1:
		w = state.WinnerLocal
	case 2:
		w = state.WinnerRemote
	case 3:
		w = state.WinnerDraw
	default:
		s.logger.Printf("[session] round %d: unknown result code %d", rc.index, call.Regs.Get(regResult))
		return
	}
	c := wire.Control{Kind: wire.ControlResult, Round: rc.index, Tick: rc.sync.Resolved(), Value: uint32(w)}
	if err := s.enqueue(wire.NewControl(c)); err != nil {
		s.linkLost(state.SideLocal, err)
	}
	rc.machine.LocalResult(w)
}

// onRoundEnd holds the emulator until the round is agreed on both sides.
func (s *Session) onRoundEnd(ctx context.Context) error {
	rc := s.current()
	if rc == nil {
		return nil
	}
	wait, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	_, err := rc.machine.WaitEnded(wait)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rc.machine.Fail(state.Outcome{Reason: state.ReasonStalled, Detail: "round did not drain"})
	}
	if s.isDone() {
		return ErrEnded
	}
	return nil
}

func (s *Session) onMatchEnd(ctx context.Context) error {
	if err := s.onRoundEnd(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	played := len(s.logs)
	var o state.Outcome
	if played > 0 {
		o = s.tallyLocked(s.logs[played-1].Header.Outcome.Outcome().Tick)
	}
	s.mu.Unlock()
	if played == 0 {
		s.Abort("match ended before any round")
		return ErrEnded
	}
	s.finish(o)
	return ErrEnded
}

// injectRemote writes the latest remote packet into rx_packet: joyflags
// first, then the game's own payload.
func (s *Session) injectRemote(mem *emu.Memory) {
	rc := s.current()
	if rc == nil || !mem.Has(hook.RegionRxPacket) {
		return
	}
	p, ok := rc.lastRemote()
	if !ok {
		return
	}
	buf := make([]byte, mem.Size(hook.RegionRxPacket))
	if len(buf) >= 2 {
		binary.LittleEndian.PutUint16(buf, uint16(p.Joyflags))
		copy(buf[2:], p.Payload)
	}
	if err := mem.Write(hook.RegionRxPacket, 0, buf); err != nil {
		s.logger.Printf("[session] failed to write rx packet: %v", err)
	}
}

// captureLocal keeps the game's tx_packet for the next outgoing tick.
func (s *Session) captureLocal(mem *emu.Memory) {
	if !mem.Has(hook.RegionTxPacket) {
		return
	}
	b, err := mem.ReadAll(hook.RegionTxPacket)
	if err != nil {
		s.logger.Printf("[session] failed to read tx packet: %v", err)
		return
	}
	s.mu.Lock()
	s.txPayload = b
	s.mu.Unlock()
}

func (s *Session) writeOpponentName(mem *emu.Memory) {
	if !mem.Has(hook.RegionOpponentName) {
		return
	}
	buf := make([]byte, mem.Size(hook.RegionOpponentName))
	copy(buf, s.Peer().Nickname)
	if err := mem.Write(hook.RegionOpponentName, 0, buf); err != nil {
		s.logger.Printf("[session] failed to write opponent name: %v", err)
	}
}

// checksum folds the 64-bit xxhash of the battle state into 32 bits.
func checksum(b []byte) uint32 {
	h := xxhash.Sum64(b)
	return uint32(h) ^ uint32(h>>32)
}
