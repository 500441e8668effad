package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/younwookim/linkplay/internal/domain/input"
)

// ErrMalformed is returned for bytes that are not valid wire format.
var ErrMalformed = errors.New("malformed message")

// Envelope field numbers.
const (
	fieldInput     protowire.Number = 1
	fieldControl   protowire.Number = 2
	fieldHeartbeat protowire.Number = 3
	fieldHello     protowire.Number = 4
	fieldGoodbye   protowire.Number = 5
)

// Encode serializes m.
func Encode(m Message) ([]byte, error) {
	var (
		num  protowire.Number
		body []byte
	)
	switch {
	case m.Kind == KindInput && m.Input != nil:
		num, body = fieldInput, MarshalPacket(*m.Input)
	case m.Kind == KindControl && m.Control != nil:
		num, body = fieldControl, MarshalControl(*m.Control)
	case m.Kind == KindHeartbeat && m.Heartbeat != nil:
		num, body = fieldHeartbeat, marshalHeartbeat(*m.Heartbeat)
	case m.Kind == KindHello && m.Hello != nil:
		num, body = fieldHello, marshalHello(*m.Hello)
	case m.Kind == KindGoodbye && m.Goodbye != nil:
		num, body = fieldGoodbye, marshalGoodbye(*m.Goodbye)
	default:
		return nil, fmt.Errorf("encode %s message: missing body", m.Kind)
	}

	b := protowire.AppendTag(nil, num, protowire.BytesType)
	return protowire.AppendBytes(b, body), nil
}

// Decode parses an envelope. A message with no known variant decodes to
// KindUnknown without error.
func Decode(b []byte) (Message, error) {
	var m Message
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case fieldInput:
			p, err := UnmarshalPacket(v)
			if err != nil {
				return err
			}
			m = NewInput(p)
		case fieldControl:
			c, err := UnmarshalControl(v)
			if err != nil {
				return err
			}
			m = NewControl(c)
		case fieldHeartbeat:
			h, err := unmarshalHeartbeat(v)
			if err != nil {
				return err
			}
			m = NewHeartbeat(h)
		case fieldHello:
			h, err := unmarshalHello(v)
			if err != nil {
				return err
			}
			m = NewHello(h)
		case fieldGoodbye:
			g, err := unmarshalGoodbye(v)
			if err != nil {
				return err
			}
			m = Message{Kind: KindGoodbye, Goodbye: &g}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

// Walk visits every field of b. v holds the payload of bytes fields and
// n the value of varint and fixed32 fields; other types are skipped.
func Walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(b) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(tagLen))
		}
		b = b[tagLen:]

		var (
			v     []byte
			n     uint64
			ln    int
			known = true
		)
		switch typ {
		case protowire.VarintType:
			n, ln = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, ln = protowire.ConsumeFixed32(b)
			n = uint64(x)
		case protowire.BytesType:
			v, ln = protowire.ConsumeBytes(b)
		default:
			known = false
			ln = protowire.ConsumeFieldValue(num, typ, b)
		}
		if ln < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(ln))
		}
		b = b[ln:]

		if !known {
			continue
		}
		if err := visit(num, typ, v, n); err != nil {
			return err
		}
	}
	return nil
}

// MarshalPacket encodes an input packet body.
func MarshalPacket(p input.Packet) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(p.Round))
	b = appendVarint(b, 2, uint64(p.Tick))
	b = appendVarint(b, 3, uint64(p.Joyflags))
	if p.HasChecksum {
		b = appendFixed32(b, 4, p.Checksum)
	}
	if p.HasSharedRNG {
		b = appendFixed32(b, 5, p.SharedRNG)
	}
	if len(p.Payload) > 0 {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Payload)
	}
	return b
}

// UnmarshalPacket decodes an input packet body.
func UnmarshalPacket(b []byte) (input.Packet, error) {
	var p input.Packet
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			p.Round = uint32(n)
		case num == 2 && typ == protowire.VarintType:
			p.Tick = input.Tick(n)
		case num == 3 && typ == protowire.VarintType:
			p.Joyflags = input.Joyflags(n)
		case num == 4 && typ == protowire.Fixed32Type:
			p.Checksum, p.HasChecksum = uint32(n), true
		case num == 5 && typ == protowire.Fixed32Type:
			p.SharedRNG, p.HasSharedRNG = uint32(n), true
		case num == 6 && typ == protowire.BytesType:
			p.Payload = append([]byte(nil), v...)
		}
		return nil
	})
	return p, err
}

// MarshalControl encodes a control body.
func MarshalControl(c Control) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(c.Kind))
	b = appendVarint(b, 2, uint64(c.Round))
	b = appendVarint(b, 3, uint64(c.Tick))
	b = appendVarint(b, 4, uint64(c.Value))
	return b
}

// UnmarshalControl decodes a control body.
func UnmarshalControl(b []byte) (Control, error) {
	var c Control
	err := Walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, n uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			c.Kind = ControlKind(n)
		case 2:
			c.Round = uint32(n)
		case 3:
			c.Tick = input.Tick(n)
		case 4:
			c.Value = uint32(n)
		}
		return nil
	})
	return c, err
}

func marshalHeartbeat(h Heartbeat) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.Seq))
	b = appendVarint(b, 2, uint64(h.SentAt))
	if h.Reply {
		b = appendVarint(b, 3, protowire.EncodeBool(true))
	}
	return b
}

func unmarshalHeartbeat(b []byte) (Heartbeat, error) {
	var h Heartbeat
	err := Walk(b, func(num protowire.Number, typ protowire.Type, _ []byte, n uint64) error {
		if typ != protowire.VarintType {
			return nil
		}
		switch num {
		case 1:
			h.Seq = uint32(n)
		case 2:
			h.SentAt = int64(n)
		case 3:
			h.Reply = protowire.DecodeBool(n)
		}
		return nil
	})
	return h, err
}

func marshalHello(h Hello) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(h.Version))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, h.GameCode)
	b = appendVarint(b, 3, uint64(h.Revision))
	b = appendFixed32(b, 4, h.CRC32)
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendString(b, h.Nickname)
	b = appendFixed32(b, 6, h.Seed)
	b = appendVarint(b, 7, protowire.EncodeBool(h.Initiator))
	if h.MatchID != "" {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendString(b, h.MatchID)
	}
	return b
}

func unmarshalHello(b []byte) (Hello, error) {
	var h Hello
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			h.Version = uint32(n)
		case num == 2 && typ == protowire.BytesType:
			h.GameCode = string(v)
		case num == 3 && typ == protowire.VarintType:
			h.Revision = uint32(n)
		case num == 4 && typ == protowire.Fixed32Type:
			h.CRC32 = uint32(n)
		case num == 5 && typ == protowire.BytesType:
			h.Nickname = string(v)
		case num == 6 && typ == protowire.Fixed32Type:
			h.Seed = uint32(n)
		case num == 7 && typ == protowire.VarintType:
			h.Initiator = protowire.DecodeBool(n)
		case num == 8 && typ == protowire.BytesType:
			h.MatchID = string(v)
		}
		return nil
	})
	return h, err
}

func marshalGoodbye(g Goodbye) []byte {
	b := protowire.AppendTag(nil, 1, protowire.BytesType)
	return protowire.AppendString(b, g.Reason)
}

func unmarshalGoodbye(b []byte) (Goodbye, error) {
	var g Goodbye
	err := Walk(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num == 1 && typ == protowire.BytesType {
			g.Reason = string(v)
		}
		return nil
	})
	return g, err
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendFixed32(b []byte, num protowire.Number, v uint32) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, v)
}
