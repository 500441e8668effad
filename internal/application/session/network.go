package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/younwookim/linkplay/internal/application/lockstep"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

var errLiveness = errors.New("no traffic from peer")

func (s *Session) sendLoop(ctx context.Context) error {
	for {
		select {
		case msg := <-s.outbound:
			if err := s.tr.Send(ctx, msg); err != nil {
				// The receiver usually sees why the link went away; give it
				// the first word on attribution.
				select {
				case <-s.done:
				case <-ctx.Done():
				case <-time.After(s.cfg.WaitTimeout):
					s.linkLost(state.SideUnknown, fmt.Errorf("send failed: %w", err))
				}
				return nil
			}
		case <-s.done:
			s.flush(ctx)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// flush sends whatever is still queued, then closes the transport so the
// peer observes the end of the stream.
func (s *Session) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WaitTimeout)
	defer cancel()
	for {
		select {
		case msg := <-s.outbound:
			if err := s.tr.Send(ctx, msg); err != nil {
				_ = s.tr.Close()
				return
			}
		default:
			_ = s.tr.Close()
			return
		}
	}
}

func (s *Session) receiveLoop(ctx context.Context) error {
	for {
		b, err := s.tr.Receive(ctx)
		if err != nil {
			if s.isDone() || ctx.Err() != nil {
				return nil
			}
			side := state.SideUnknown
			if errors.Is(err, io.EOF) {
				side = state.SideRemote
			}
			s.linkLost(side, err)
			return nil
		}

		s.mu.Lock()
		s.lastRecv = s.now()
		s.mu.Unlock()

		m, err := wire.Decode(b)
		if err != nil {
			s.logger.Printf("[session] discarding malformed message: %v", err)
			continue
		}
		if err := s.route(ctx, m); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Printf("[session] %v", err)
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.done:
			return nil
		case <-ticker.C:
		}

		s.mu.Lock()
		s.hbSeq++
		seq := s.hbSeq
		silent := s.now().Sub(s.lastRecv)
		parked := s.parked
		s.mu.Unlock()

		// A parked receiver is not reading, so silence proves nothing.
		if s.cfg.LivenessTimeout > 0 && !parked && silent > s.cfg.LivenessTimeout {
			s.linkLost(state.SideUnknown, fmt.Errorf("%w for %s", errLiveness, silent.Round(time.Millisecond)))
			return nil
		}
		// A full queue means input is backing up; skipping a beat is harmless.
		_ = s.enqueue(wire.NewHeartbeat(wire.Heartbeat{Seq: seq, SentAt: s.now().UnixNano()}))
	}
}

func (s *Session) route(ctx context.Context, m wire.Message) error {
	switch m.Kind {
	case wire.KindHello:
		select {
		case s.hello <- *m.Hello:
		default:
			s.logger.Printf("[session] ignoring repeated hello")
		}
	case wire.KindGoodbye:
		s.linkLost(state.SideRemote, fmt.Errorf("peer left: %s", m.Goodbye.Reason))
	case wire.KindHeartbeat:
		hb := *m.Heartbeat
		if !hb.Reply {
			hb.Reply = true
			_ = s.enqueue(wire.NewHeartbeat(hb))
			return nil
		}
		rtt := s.now().Sub(time.Unix(0, hb.SentAt))
		s.mu.Lock()
		s.rtt = rtt
		s.mu.Unlock()
	case wire.KindInput:
		return s.routeRound(ctx, m, m.Input.Round)
	case wire.KindControl:
		return s.routeRound(ctx, m, m.Control.Round)
	}
	return nil
}

// routeRound sends a round-scoped message to the current round and drops
// it for a round already over. A message for a round the local game has
// not reached yet holds the receiver until that round begins.
func (s *Session) routeRound(ctx context.Context, m wire.Message, index uint32) error {
	var rc *roundCtx
	for rc == nil {
		s.mu.Lock()
		switch {
		case s.cur != nil && s.cur.index == index:
			rc = s.cur
			s.mu.Unlock()
		case index >= s.nextRound:
			begun := s.roundBegun
			s.parked = true
			s.mu.Unlock()
			var err error
			select {
			case <-begun:
			case <-s.done:
			case <-ctx.Done():
				err = ctx.Err()
			}
			s.mu.Lock()
			s.parked = false
			s.lastRecv = s.now()
			s.mu.Unlock()
			if err != nil || s.isDone() {
				return err
			}
		default:
			s.mu.Unlock()
			return nil
		}
	}

	if m.Kind == wire.KindControl {
		s.applyControl(rc, *m.Control)
		return nil
	}
	err := rc.sync.Deliver(ctx, *m.Input)
	var perr *lockstep.ProtocolError
	if errors.As(err, &perr) {
		rc.machine.Fail(state.Outcome{Reason: state.ReasonAborted, Tick: perr.Tick, Detail: perr.Error()})
	}
	return err
}

// linkLost records that the channel is gone. A round that already knows
// everything it needs from the peer is left to finish on its own.
func (s *Session) linkLost(side state.Side, err error) {
	if s.isDone() {
		return
	}
	s.mu.Lock()
	if s.linkDown {
		s.mu.Unlock()
		return
	}
	s.linkDown = true
	s.linkSide = side
	s.linkErr = err
	rc := s.cur
	started := s.started
	close(s.linkGone)
	s.mu.Unlock()

	s.logger.Printf("[session] link lost (%s): %v", side, err)
	if !started {
		// Start reports it.
		return
	}

	if rc != nil {
		switch rc.machine.State() {
		case state.InProgress:
			// The emulator resolves what was delivered, then ends the
			// round itself; the timer covers an emulator that stopped.
			rc.sync.CloseRemote()
			time.AfterFunc(s.cfg.DrainTimeout, func() { rc.machine.Disconnect(side, err.Error()) })
			return
		case state.Ending:
			if rc.remoteComplete() {
				return
			}
			rc.machine.Disconnect(side, err.Error())
			return
		case state.AwaitingStart:
			rc.machine.Disconnect(side, err.Error())
			return
		}
	}
	s.finish(state.Outcome{Reason: state.ReasonDisconnected, Side: side, Detail: err.Error()})
}
