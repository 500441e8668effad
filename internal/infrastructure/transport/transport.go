// Package transport provides ordered reliable message channels between peers.
package transport

import (
	"context"
	"errors"
)

// ErrDisconnected is returned once the channel is gone.
var ErrDisconnected = errors.New("transport disconnected")

// State is the connection state of a transport.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Transport delivers whole binary messages in order. Receive returns io.EOF
// when the peer closed cleanly and ErrDisconnected on failure.
//
// States is for observers such as the command's link log. A session
// learns about link loss from Receive alone.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	States() <-chan State
	Close() error
}

// stateFeed buffers state changes and never blocks the publisher; the
// latest Disconnected is always retained.
type stateFeed struct {
	ch chan State
}

func newStateFeed() *stateFeed {
	return &stateFeed{ch: make(chan State, 4)}
}

func (f *stateFeed) publish(s State) {
	select {
	case f.ch <- s:
	default:
		// Drop the oldest entry to keep the newest.
		select {
		case <-f.ch:
		default:
		}
		select {
		case f.ch <- s:
		default:
		}
	}
}
