// Package round tracks one round's lifecycle from local hooks and remote
// control messages.
package round

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
)

// Transition is an observed state change.
type Transition struct {
	Round   uint32
	From    state.RoundState
	To      state.RoundState
	Outcome state.Outcome
}

type mark struct {
	set  bool
	tick input.Tick
}

type report struct {
	set    bool
	winner state.Winner
}

// Machine is the round state machine. All methods are safe for concurrent
// use; events arriving in Ended are ignored.
type Machine struct {
	round uint32

	mu       sync.Mutex
	state    state.RoundState
	outcome  state.Outcome
	changed  chan struct{}
	resolved input.Tick

	localStart, remoteStart   mark
	localEnd, remoteEnd       mark
	localReport, remoteReport report

	listeners []func(Transition)
}

// New creates a machine in AwaitingStart.
func New(round uint32) *Machine {
	return &Machine{
		round:   round,
		state:   state.AwaitingStart,
		changed: make(chan struct{}),
	}
}

// Round returns the round index.
func (m *Machine) Round() uint32 { return m.round }

// OnTransition registers fn for every later transition. Listeners run
// synchronously after the machine lock is released.
func (m *Machine) OnTransition(fn func(Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Machine) State() state.RoundState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcome returns the terminal outcome once Ended.
func (m *Machine) Outcome() (state.Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcome, m.state == state.Ended
}

type pendingNotify struct {
	listeners []func(Transition)
	tr        Transition
}

func (p *pendingNotify) fire() {
	if p == nil {
		return
	}
	for _, fn := range p.listeners {
		fn(p.tr)
	}
}

// moveLocked changes state and returns the notifications to fire after
// unlocking.
func (m *Machine) moveLocked(to state.RoundState, outcome state.Outcome) *pendingNotify {
	from := m.state
	m.state = to
	if to == state.Ended {
		m.outcome = outcome
	}
	close(m.changed)
	m.changed = make(chan struct{})
	return &pendingNotify{
		listeners: slices.Clone(m.listeners),
		tr:        Transition{Round: m.round, From: from, To: to, Outcome: outcome},
	}
}

func (m *Machine) endLocked(o state.Outcome) *pendingNotify {
	return m.moveLocked(state.Ended, o)
}

func (m *Machine) desyncLocked(tick input.Tick, format string, args ...any) *pendingNotify {
	return m.endLocked(state.Outcome{
		Reason: state.ReasonDesync,
		Tick:   tick,
		Detail: fmt.Sprintf(format, args...),
	})
}

// LocalStart records the local start signal at tick.
func (m *Machine) LocalStart(tick input.Tick) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state == state.AwaitingStart && !m.localStart.set {
		m.localStart = mark{set: true, tick: tick}
		n = m.tryStartLocked()
	}
	m.mu.Unlock()
	n.fire()
}

// RemoteStart records the remote start signal at tick.
func (m *Machine) RemoteStart(tick input.Tick) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state == state.AwaitingStart && !m.remoteStart.set {
		m.remoteStart = mark{set: true, tick: tick}
		n = m.tryStartLocked()
	}
	m.mu.Unlock()
	n.fire()
}

func (m *Machine) tryStartLocked() *pendingNotify {
	if !m.localStart.set || !m.remoteStart.set {
		return nil
	}
	if m.localStart.tick != m.remoteStart.tick {
		return m.desyncLocked(m.localStart.tick, "asymmetric start: local tick %d, remote tick %d",
			m.localStart.tick, m.remoteStart.tick)
	}
	return m.moveLocked(state.InProgress, state.Outcome{})
}

// StartTimeout ends a round whose start handshake did not complete.
func (m *Machine) StartTimeout() {
	m.mu.Lock()
	var n *pendingNotify
	if m.state == state.AwaitingStart {
		n = m.endLocked(state.Outcome{Reason: state.ReasonStartTimeout, Detail: "start handshake timed out"})
	}
	m.mu.Unlock()
	n.fire()
}

// LocalEnding moves InProgress to Ending with the local end tick.
func (m *Machine) LocalEnding(tick input.Tick) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state == state.InProgress {
		m.localEnd = mark{set: true, tick: tick}
		n = m.moveLocked(state.Ending, state.Outcome{})
		if fin := m.tryFinishLocked(); fin != nil {
			// Report the Ending transition before Ended.
			m.mu.Unlock()
			n.fire()
			fin.fire()
			return
		}
	}
	m.mu.Unlock()
	n.fire()
}

// RemoteEnding records the remote end tick.
func (m *Machine) RemoteEnding(tick input.Tick) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state != state.Ended && !m.remoteEnd.set {
		m.remoteEnd = mark{set: true, tick: tick}
		n = m.tryFinishLocked()
	}
	m.mu.Unlock()
	n.fire()
}

// LocalResult records the local game's result report.
func (m *Machine) LocalResult(w state.Winner) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state != state.Ended && !m.localReport.set {
		m.localReport = report{set: true, winner: w}
		n = m.tryFinishLocked()
	}
	m.mu.Unlock()
	n.fire()
}

// RemoteResult records the remote game's report, in the remote's own
// perspective.
func (m *Machine) RemoteResult(w state.Winner) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state != state.Ended && !m.remoteReport.set {
		m.remoteReport = report{set: true, winner: w}
		n = m.tryFinishLocked()
	}
	m.mu.Unlock()
	n.fire()
}

// Resolved reports the number of ticks resolved so far.
func (m *Machine) Resolved(count input.Tick) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state != state.Ended && count > m.resolved {
		m.resolved = count
		n = m.tryFinishLocked()
	}
	m.mu.Unlock()
	n.fire()
}

func (m *Machine) tryFinishLocked() *pendingNotify {
	if m.state != state.Ending || !m.remoteEnd.set {
		return nil
	}
	if m.localEnd.tick != m.remoteEnd.tick {
		return m.desyncLocked(m.localEnd.tick, "end tick mismatch: local %d, remote %d",
			m.localEnd.tick, m.remoteEnd.tick)
	}
	if m.resolved < m.localEnd.tick {
		return nil
	}
	if !m.localReport.set || !m.remoteReport.set {
		return nil
	}
	if m.localReport.winner != m.remoteReport.winner.Mirror() {
		return m.desyncLocked(m.localEnd.tick, "result mismatch: local reports %s, remote reports %s",
			m.localReport.winner, m.remoteReport.winner)
	}
	return m.endLocked(state.Outcome{
		Reason: state.ReasonCompleted,
		Winner: m.localReport.winner,
		Tick:   m.localEnd.tick,
	})
}

// Disconnect ends a non-terminal round attributing the loss of the link.
func (m *Machine) Disconnect(side state.Side, detail string) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state != state.Ended {
		n = m.endLocked(state.Outcome{Reason: state.ReasonDisconnected, Side: side, Tick: m.resolved, Detail: detail})
	}
	m.mu.Unlock()
	n.fire()
}

// Fail ends a non-terminal round with o. The tick defaults to the
// resolved count when o.Tick is zero.
func (m *Machine) Fail(o state.Outcome) {
	m.mu.Lock()
	var n *pendingNotify
	if m.state != state.Ended {
		if o.Tick == 0 {
			o.Tick = m.resolved
		}
		n = m.endLocked(o)
	}
	m.mu.Unlock()
	n.fire()
}

// Wait blocks until the state satisfies pred, returning the state seen.
func (m *Machine) Wait(ctx context.Context, pred func(state.RoundState) bool) (state.RoundState, error) {
	for {
		m.mu.Lock()
		st, ch := m.state, m.changed
		m.mu.Unlock()
		if pred(st) {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// WaitEnded blocks until Ended and returns the outcome.
func (m *Machine) WaitEnded(ctx context.Context) (state.Outcome, error) {
	if _, err := m.Wait(ctx, func(s state.RoundState) bool { return s == state.Ended }); err != nil {
		return state.Outcome{}, err
	}
	o, _ := m.Outcome()
	return o, nil
}
