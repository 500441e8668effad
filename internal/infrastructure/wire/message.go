// Package wire encodes the messages exchanged between peers.
//
// Every message is a protobuf-wire envelope holding exactly one variant.
// Decoders skip unknown field numbers and unknown variants so that newer
// peers can add fields without breaking older ones.
package wire

import (
	"fmt"

	"github.com/younwookim/linkplay/internal/domain/input"
)

// ProtocolVersion is sent in Hello and must match on both peers.
const ProtocolVersion = 1

// Kind identifies the variant held by a Message.
type Kind int

const (
	KindUnknown Kind = iota
	KindInput
	KindControl
	KindHeartbeat
	KindHello
	KindGoodbye
)

// String returns the variant name.
func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindControl:
		return "control"
	case KindHeartbeat:
		return "heartbeat"
	case KindHello:
		return "hello"
	case KindGoodbye:
		return "goodbye"
	default:
		return "unknown"
	}
}

// ControlKind identifies a round control signal.
type ControlKind uint32

const (
	ControlStart  ControlKind = 1
	ControlEnding ControlKind = 2
	ControlResult ControlKind = 3
	ControlDesync ControlKind = 4
)

// String returns the control name.
func (c ControlKind) String() string {
	switch c {
	case ControlStart:
		return "start"
	case ControlEnding:
		return "ending"
	case ControlResult:
		return "result"
	case ControlDesync:
		return "desync"
	default:
		return fmt.Sprintf("control(%d)", uint32(c))
	}
}

// Control is a round lifecycle signal. Value carries the sender's winner
// report for ControlResult.
type Control struct {
	Kind  ControlKind
	Round uint32
	Tick  input.Tick
	Value uint32
}

// Heartbeat measures round trip time. A reply echoes Seq and SentAt.
type Heartbeat struct {
	Seq    uint32
	SentAt int64
	Reply  bool
}

// Hello opens a session and carries the match agreement.
type Hello struct {
	Version   uint32
	GameCode  string
	Revision  uint32
	CRC32     uint32
	Nickname  string
	Seed      uint32
	Initiator bool
	MatchID   string
}

// Goodbye announces a clean disconnect.
type Goodbye struct {
	Reason string
}

// Message is the envelope. Exactly one pointer matches Kind.
type Message struct {
	Kind      Kind
	Input     *input.Packet
	Control   *Control
	Heartbeat *Heartbeat
	Hello     *Hello
	Goodbye   *Goodbye
}

// NewInput wraps an input packet.
func NewInput(p input.Packet) Message {
	return Message{Kind: KindInput, Input: &p}
}

// NewControl wraps a control signal.
func NewControl(c Control) Message {
	return Message{Kind: KindControl, Control: &c}
}

// NewHeartbeat wraps a heartbeat.
func NewHeartbeat(h Heartbeat) Message {
	return Message{Kind: KindHeartbeat, Heartbeat: &h}
}

// NewHello wraps a hello.
func NewHello(h Hello) Message {
	return Message{Kind: KindHello, Hello: &h}
}

// NewGoodbye wraps a goodbye.
func NewGoodbye(reason string) Message {
	return Message{Kind: KindGoodbye, Goodbye: &Goodbye{Reason: reason}}
}
