package transport

import (
	"context"
	"io"
	"sync"
)

// PipeEnd is one side of an in-memory connected pair.
type PipeEnd struct {
	in     chan []byte
	peer   *PipeEnd
	closed chan struct{}
	once   sync.Once
	states *stateFeed
}

// NewPipe returns two connected ends. buffer bounds the messages in flight
// per direction; Send blocks when the peer's buffer is full.
func NewPipe(buffer int) (*PipeEnd, *PipeEnd) {
	if buffer < 1 {
		buffer = 1
	}
	a := &PipeEnd{in: make(chan []byte, buffer), closed: make(chan struct{}), states: newStateFeed()}
	b := &PipeEnd{in: make(chan []byte, buffer), closed: make(chan struct{}), states: newStateFeed()}
	a.peer, b.peer = b, a
	a.states.publish(Connected)
	b.states.publish(Connected)
	return a, b
}

// Send copies msg to the peer.
func (e *PipeEnd) Send(ctx context.Context, msg []byte) error {
	select {
	case <-e.closed:
		return ErrDisconnected
	case <-e.peer.closed:
		return ErrDisconnected
	default:
	}

	buf := append([]byte(nil), msg...)
	select {
	case e.peer.in <- buf:
		return nil
	case <-e.closed:
		return ErrDisconnected
	case <-e.peer.closed:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next message. Messages sent before the peer closed
// are still delivered, then io.EOF.
func (e *PipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg := <-e.in:
		return msg, nil
	case <-e.closed:
		return nil, ErrDisconnected
	case <-e.peer.closed:
		select {
		case msg := <-e.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// States reports connection changes.
func (e *PipeEnd) States() <-chan State {
	return e.states.ch
}

// Close disconnects this end; the peer observes io.EOF.
func (e *PipeEnd) Close() error {
	e.once.Do(func() {
		close(e.closed)
		e.states.publish(Disconnected)
		e.peer.states.publish(Disconnected)
	})
	return nil
}
