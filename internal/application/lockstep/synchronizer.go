// Package lockstep exchanges exactly one input packet per tick with the
// remote peer and resolves each tick once both packets are known.
//
// The emulator goroutine calls Submit and Await; the network goroutine
// calls Deliver. Neither side ever blocks without a bound: Await gives up
// after WaitTimeout and Deliver applies backpressure through the bounded
// pending buffer instead of dropping packets.
package lockstep

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
)

// Outbox hands local packets to the network side. Post must not block.
type Outbox interface {
	Post(p input.Packet) error
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(p input.Packet) error

// Post calls f.
func (f OutboxFunc) Post(p input.Packet) error { return f(p) }

// Config holds synchronizer parameters.
type Config struct {
	Role         state.Role
	Round        uint32
	WaitTimeout  time.Duration
	PendingLimit int
}

// DefaultConfig returns the defaults used by sessions.
func DefaultConfig() Config {
	return Config{
		Role:         state.Initiator,
		WaitTimeout:  time.Second,
		PendingLimit: 64,
	}
}

// Local is the local side's contribution to a tick.
type Local struct {
	Joyflags    input.Joyflags
	Checksum    uint32
	HasChecksum bool
	// SharedRNG is transmitted only by the authority.
	SharedRNG    uint32
	HasSharedRNG bool
	Payload      []byte
}

// Resolution is a fully resolved tick.
type Resolution struct {
	Tick   input.Tick
	Local  input.Packet
	Remote input.Packet
	// SharedRNG is the authority's value for this tick. The follower
	// overwrites its own state with it.
	SharedRNG    uint32
	HasSharedRNG bool
}

// Stats counts synchronizer events.
type Stats struct {
	Resolved   int
	Duplicates int
	Stalls     int
}

// Synchronizer pairs local and remote packets tick by tick for one round.
type Synchronizer struct {
	cfg Config
	out Outbox

	pending    chan input.Packet
	done       chan struct{}
	remoteDone chan struct{}
	remoteOnce sync.Once

	mu            sync.Mutex
	next          input.Tick
	submitted     bool
	local         input.Packet
	lastDelivered int64
	stallReported bool
	stats         Stats
	closeErr      error
	closed        bool
	observers     []func(Resolution)
}

// New creates a synchronizer for one round.
func New(cfg Config, out Outbox) *Synchronizer {
	def := DefaultConfig()
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = def.WaitTimeout
	}
	if cfg.PendingLimit <= 0 {
		cfg.PendingLimit = def.PendingLimit
	}
	return &Synchronizer{
		cfg:           cfg,
		out:           out,
		pending:       make(chan input.Packet, cfg.PendingLimit),
		done:          make(chan struct{}),
		remoteDone:    make(chan struct{}),
		lastDelivered: -1,
	}
}

// Observe registers fn to run after every resolved tick, in tick order,
// on the goroutine calling Await.
func (s *Synchronizer) Observe(fn func(Resolution)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Round returns the round this synchronizer serves.
func (s *Synchronizer) Round() uint32 { return s.cfg.Round }

// NextTick returns the tick the next Submit will build.
func (s *Synchronizer) NextTick() input.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Resolved returns the number of resolved ticks.
func (s *Synchronizer) Resolved() input.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return input.Tick(s.stats.Resolved)
}

// Stats returns a copy of the counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Err returns the close cause, nil while open.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Submit builds the local packet for the current tick and posts it to the
// outbox without waiting.
func (s *Synchronizer) Submit(l Local) (input.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return input.Packet{}, s.closeErr
	}
	if s.submitted {
		return input.Packet{}, ErrAlreadySubmitted
	}

	p := input.Packet{
		Round:       s.cfg.Round,
		Tick:        s.next,
		Joyflags:    l.Joyflags,
		Checksum:    l.Checksum,
		HasChecksum: l.HasChecksum,
		Payload:     append([]byte(nil), l.Payload...),
	}
	if len(l.Payload) == 0 {
		p.Payload = nil
	}
	if s.cfg.Role.IsRNGAuthority() && l.HasSharedRNG {
		p.SharedRNG, p.HasSharedRNG = l.SharedRNG, true
	}

	if err := s.out.Post(p); err != nil {
		return input.Packet{}, fmt.Errorf("failed to post tick %d: %w", p.Tick, err)
	}
	s.local = p
	s.submitted = true
	s.stallReported = false
	return p, nil
}

// Await waits for the remote packet matching the submitted tick. The first
// timeout for a tick returns *StallError, later ones ErrStillWaiting; the
// caller may call Await again either way.
func (s *Synchronizer) Await(ctx context.Context) (Resolution, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return Resolution{}, s.closeErr
	}
	if !s.submitted {
		s.mu.Unlock()
		return Resolution{}, ErrNotSubmitted
	}
	tick := s.local.Tick
	s.mu.Unlock()

	timer := time.NewTimer(s.cfg.WaitTimeout)
	defer timer.Stop()

	select {
	case remote := <-s.pending:
		return s.resolve(remote)
	case <-s.remoteDone:
		// Packets delivered before CloseRemote still resolve.
		select {
		case remote := <-s.pending:
			return s.resolve(remote)
		default:
			return Resolution{}, ErrPeerGone
		}
	case <-s.done:
		return Resolution{}, s.Err()
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case <-timer.C:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stallReported {
			return Resolution{}, ErrStillWaiting
		}
		s.stallReported = true
		s.stats.Stalls++
		return Resolution{}, &StallError{Tick: tick, Waited: s.cfg.WaitTimeout}
	}
}

// Exchange submits l and waits for its resolution, returning stalls to the
// caller like Await.
func (s *Synchronizer) Exchange(ctx context.Context, l Local) (Resolution, error) {
	if _, err := s.Submit(l); err != nil {
		return Resolution{}, err
	}
	return s.Await(ctx)
}

func (s *Synchronizer) resolve(remote input.Packet) (Resolution, error) {
	s.mu.Lock()
	local := s.local

	if remote.Tick != local.Tick {
		s.mu.Unlock()
		err := &ProtocolError{Tick: local.Tick, Reason: fmt.Sprintf("remote packet for tick %d", remote.Tick)}
		s.Close(err)
		return Resolution{}, err
	}
	if local.HasChecksum && remote.HasChecksum && local.Checksum != remote.Checksum {
		s.mu.Unlock()
		err := &DesyncError{Tick: local.Tick, Local: local.Checksum, Remote: remote.Checksum}
		s.Close(err)
		return Resolution{}, err
	}

	res := Resolution{Tick: local.Tick, Local: local, Remote: remote}
	if s.cfg.Role.IsRNGAuthority() {
		res.SharedRNG, res.HasSharedRNG = local.SharedRNG, local.HasSharedRNG
	} else {
		res.SharedRNG, res.HasSharedRNG = remote.SharedRNG, remote.HasSharedRNG
	}

	s.submitted = false
	s.next++
	s.stats.Resolved++
	observers := slices.Clone(s.observers)
	s.mu.Unlock()

	for _, fn := range observers {
		fn(res)
	}
	return res, nil
}

// Deliver hands a remote packet over from the network side. Duplicates are
// discarded, gaps are protocol errors, and a full pending buffer blocks the
// caller until the emulator catches up.
func (s *Synchronizer) Deliver(ctx context.Context, p input.Packet) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closeErr
	}
	if p.Round != s.cfg.Round {
		s.mu.Unlock()
		return &ProtocolError{Tick: p.Tick, Reason: fmt.Sprintf("packet for round %d in round %d", p.Round, s.cfg.Round)}
	}
	switch want := s.lastDelivered + 1; {
	case int64(p.Tick) < want:
		s.stats.Duplicates++
		s.mu.Unlock()
		return nil
	case int64(p.Tick) > want:
		s.mu.Unlock()
		return &ProtocolError{Tick: p.Tick, Reason: fmt.Sprintf("expected tick %d", want)}
	}
	s.lastDelivered = int64(p.Tick)
	s.mu.Unlock()

	select {
	case s.pending <- p.Clone():
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases any pending wait. The first cause wins; a nil cause
// becomes ErrClosed.
func (s *Synchronizer) Close(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if cause == nil {
		cause = ErrClosed
	}
	s.closed = true
	s.closeErr = cause
	close(s.done)
}

// CloseRemote marks the end of remote input. Await keeps resolving what
// was already delivered, then returns ErrPeerGone.
func (s *Synchronizer) CloseRemote() {
	s.remoteOnce.Do(func() { close(s.remoteDone) })
}
