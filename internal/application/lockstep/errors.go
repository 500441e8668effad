package lockstep

import (
	"errors"
	"fmt"
	"time"

	"github.com/younwookim/linkplay/internal/domain/input"
)

var (
	// ErrClosed is returned after Close with a nil cause.
	ErrClosed = errors.New("synchronizer closed")
	// ErrStillWaiting is returned by Await for further timeouts on a tick
	// whose stall was already reported.
	ErrStillWaiting = errors.New("still waiting for remote input")
	// ErrNotSubmitted is returned by Await before the local packet exists.
	ErrNotSubmitted = errors.New("no local input submitted")
	// ErrAlreadySubmitted is returned by Submit while a tick is unresolved.
	ErrAlreadySubmitted = errors.New("local input already submitted for this tick")
	// ErrOutboundFull is returned when the send hand-off queue is full.
	ErrOutboundFull = errors.New("outbound queue full")
	// ErrPeerGone is returned by Await once every delivered packet was
	// consumed after CloseRemote.
	ErrPeerGone = errors.New("remote input ended")
)

// StallError reports the first wait timeout for a tick.
type StallError struct {
	Tick   input.Tick
	Waited time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("stalled on tick %d after %s", e.Tick, e.Waited)
}

// DesyncError reports differing state checksums for the same tick.
type DesyncError struct {
	Tick   input.Tick
	Local  uint32
	Remote uint32
}

func (e *DesyncError) Error() string {
	return fmt.Sprintf("desync at tick %d: local checksum %08x, remote %08x", e.Tick, e.Local, e.Remote)
}

// ProtocolError reports a packet that breaks the exchange rules.
type ProtocolError struct {
	Tick   input.Tick
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error at tick %d: %s", e.Tick, e.Reason)
}
