package replay

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/transport"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

// Player plays a log back as if it were the remote peer. It implements
// transport.Transport: Receive yields the recorded remote messages in
// order and Send discards everything.
type Player struct {
	data   *Log
	stream [][]byte

	mu     sync.Mutex
	pos    int
	states chan transport.State
	closed chan struct{}
	once   sync.Once
}

// NewPlayer creates a player for l
func NewPlayer(l *Log) (*Player, error) {
	stream, err := remoteStream(l)
	if err != nil {
		return nil, err
	}
	p := &Player{
		data:   l,
		stream: stream,
		states: make(chan transport.State, 2),
		closed: make(chan struct{}),
	}
	p.states <- transport.Connected
	return p, nil
}

// remoteStream rebuilds what the remote peer sent: its Hello, then controls
// interleaved with input packets in arrival order.
func remoteStream(l *Log) ([][]byte, error) {
	h := l.Header
	id, err := hook.ParseGameID(h.Game.ID)
	if err != nil {
		return nil, fmt.Errorf("replay game id: %w", err)
	}
	localRole, err := state.ParseRole(h.Role)
	if err != nil {
		return nil, fmt.Errorf("replay role: %w", err)
	}

	msgs := []wire.Message{wire.NewHello(wire.Hello{
		Version:   wire.ProtocolVersion,
		GameCode:  string(id.Code[:]),
		Revision:  uint32(id.Revision),
		CRC32:     h.Game.CRC32,
		Nickname:  h.Remote.Nickname,
		Seed:      h.Seed,
		Initiator: localRole.Opposite() == state.Initiator,
		MatchID:   h.MatchID,
	})}

	ci := 0
	for i, rec := range l.Records {
		for ci < len(l.Controls) && l.Controls[ci].After <= i {
			msgs = append(msgs, wire.NewControl(l.Controls[ci].Control))
			ci++
		}
		msgs = append(msgs, wire.NewInput(rec.Remote))
	}
	for ; ci < len(l.Controls); ci++ {
		msgs = append(msgs, wire.NewControl(l.Controls[ci].Control))
	}

	stream := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		b, err := wire.Encode(m)
		if err != nil {
			return nil, err
		}
		stream = append(stream, b)
	}
	return stream, nil
}

// Send discards msg
func (p *Player) Send(ctx context.Context, msg []byte) error {
	select {
	case <-p.closed:
		return transport.ErrDisconnected
	default:
		return nil
	}
}

// Receive returns the next recorded message. Once exhausted it blocks until
// Close, then reports io.EOF, so the end of the recording never races the
// local emulator.
func (p *Player) Receive(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	if p.pos < len(p.stream) {
		msg := p.stream[p.pos]
		p.pos++
		p.mu.Unlock()
		return msg, nil
	}
	p.mu.Unlock()

	select {
	case <-p.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// States reports Connected, then Disconnected after Close
func (p *Player) States() <-chan transport.State {
	return p.states
}

// Close ends playback
func (p *Player) Close() error {
	p.once.Do(func() {
		close(p.closed)
		p.states <- transport.Disconnected
	})
	return nil
}

// Remaining returns the number of messages not yet received
func (p *Player) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.stream) - p.pos
}

// Inputs returns the recorded local joyflags as an input source
func (p *Player) Inputs() *RecordedInputs {
	return &RecordedInputs{records: p.data.Records}
}

// RecordedInputs replays the local side's joyflags by tick
type RecordedInputs struct {
	records []Record
}

// Sample returns the joyflags recorded for tick, or none past the end
func (r *RecordedInputs) Sample(_ uint32, tick input.Tick) input.Joyflags {
	if int(tick) >= len(r.records) {
		return 0
	}
	return r.records[tick].Local.Joyflags
}

// TotalTicks returns the number of recorded ticks
func (r *RecordedInputs) TotalTicks() int {
	return len(r.records)
}
