package replay

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

// Magic starts every replay file
const Magic = "LKRP"

// Extension is the replay file suffix
const Extension = ".lkrp"

const maxHeaderSize = 1 << 20

// ErrNotReplay is returned for files without the replay magic
var ErrNotReplay = errors.New("not a replay file")

// Body field numbers.
const (
	bodySnapshot protowire.Number = 1
	bodyRecord   protowire.Number = 2
	bodyControl  protowire.Number = 3
	bodyKeyframe protowire.Number = 4
)

// Write serializes l: magic, version byte, length-prefixed JSON header and
// a zstd compressed body.
func Write(w io.Writer, l *Log) error {
	hdr, err := json.Marshal(l.Header)
	if err != nil {
		return fmt.Errorf("failed to encode replay header: %w", err)
	}

	var prefix [4 + 1 + 4]byte
	copy(prefix[:4], Magic)
	prefix[4] = FormatVersion
	binary.LittleEndian.PutUint32(prefix[5:], uint32(len(hdr)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write replay prefix: %w", err)
	}
	if _, err := w.Write(hdr); err != nil {
		return fmt.Errorf("failed to write replay header: %w", err)
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if _, err := enc.Write(encodeBody(l)); err != nil {
		_ = enc.Close()
		return fmt.Errorf("failed to write replay body: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to flush replay body: %w", err)
	}
	return nil
}

func encodeBody(l *Log) []byte {
	var b []byte
	if len(l.Snapshot) > 0 {
		b = protowire.AppendTag(b, bodySnapshot, protowire.BytesType)
		b = protowire.AppendBytes(b, l.Snapshot)
	}
	for _, rec := range l.Records {
		var rb []byte
		rb = protowire.AppendTag(rb, 1, protowire.VarintType)
		rb = protowire.AppendVarint(rb, uint64(rec.Tick))
		rb = protowire.AppendTag(rb, 2, protowire.BytesType)
		rb = protowire.AppendBytes(rb, wire.MarshalPacket(rec.Local))
		rb = protowire.AppendTag(rb, 3, protowire.BytesType)
		rb = protowire.AppendBytes(rb, wire.MarshalPacket(rec.Remote))

		b = protowire.AppendTag(b, bodyRecord, protowire.BytesType)
		b = protowire.AppendBytes(b, rb)
	}
	for _, c := range l.Controls {
		var cb []byte
		cb = protowire.AppendTag(cb, 1, protowire.VarintType)
		cb = protowire.AppendVarint(cb, uint64(c.After))
		cb = protowire.AppendTag(cb, 2, protowire.BytesType)
		cb = protowire.AppendBytes(cb, wire.MarshalControl(c.Control))

		b = protowire.AppendTag(b, bodyControl, protowire.BytesType)
		b = protowire.AppendBytes(b, cb)
	}
	for _, k := range l.Keyframes {
		var kb []byte
		kb = protowire.AppendTag(kb, 1, protowire.VarintType)
		kb = protowire.AppendVarint(kb, uint64(k.Tick))
		kb = protowire.AppendTag(kb, 2, protowire.BytesType)
		kb = protowire.AppendBytes(kb, k.State)

		b = protowire.AppendTag(b, bodyKeyframe, protowire.BytesType)
		b = protowire.AppendBytes(b, kb)
	}
	return b
}

func readHeader(r io.Reader) (Header, error) {
	var prefix [9]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Header{}, fmt.Errorf("failed to read replay prefix: %w", err)
	}
	if string(prefix[:4]) != Magic {
		return Header{}, ErrNotReplay
	}
	if prefix[4] != FormatVersion {
		return Header{}, fmt.Errorf("unsupported replay version %d", prefix[4])
	}
	n := binary.LittleEndian.Uint32(prefix[5:])
	if n > maxHeaderSize {
		return Header{}, fmt.Errorf("replay header too large: %d bytes", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, fmt.Errorf("failed to read replay header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(buf, &h); err != nil {
		return Header{}, fmt.Errorf("failed to decode replay header: %w", err)
	}
	return h, nil
}

// ReadMetadata reads only the header.
func ReadMetadata(r io.Reader) (Header, error) {
	return readHeader(r)
}

// Load reads a complete log.
func Load(r io.Reader) (*Log, error) {
	h, err := readHeader(r)
	if err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	body, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress replay body: %w", err)
	}

	l := &Log{Header: h}
	if err := decodeBody(body, l); err != nil {
		return nil, err
	}
	return l, nil
}

func decodeBody(body []byte, l *Log) error {
	return wire.Walk(body, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if typ != protowire.BytesType {
			return nil
		}
		switch num {
		case bodySnapshot:
			l.Snapshot = append([]byte(nil), v...)
		case bodyRecord:
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			l.Records = append(l.Records, rec)
		case bodyControl:
			var c ControlRecord
			err := wire.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
				switch {
				case num == 1 && typ == protowire.VarintType:
					c.After = int(n)
				case num == 2 && typ == protowire.BytesType:
					ctl, err := wire.UnmarshalControl(v)
					if err != nil {
						return err
					}
					c.Control = ctl
				}
				return nil
			})
			if err != nil {
				return err
			}
			l.Controls = append(l.Controls, c)
		case bodyKeyframe:
			var k Keyframe
			err := wire.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
				switch {
				case num == 1 && typ == protowire.VarintType:
					k.Tick = input.Tick(n)
				case num == 2 && typ == protowire.BytesType:
					k.State = append([]byte(nil), v...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			l.Keyframes = append(l.Keyframes, k)
		}
		return nil
	})
}

func decodeRecord(v []byte) (Record, error) {
	var rec Record
	err := wire.Walk(v, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		var err error
		switch {
		case num == 1 && typ == protowire.VarintType:
			rec.Tick = input.Tick(n)
		case num == 2 && typ == protowire.BytesType:
			rec.Local, err = wire.UnmarshalPacket(v)
		case num == 3 && typ == protowire.BytesType:
			rec.Remote, err = wire.UnmarshalPacket(v)
		}
		return err
	})
	return rec, err
}

// FileName returns the conventional file name for a round's log.
func FileName(h Header) string {
	id := h.MatchID
	if id == "" {
		id = "match"
	}
	return fmt.Sprintf("%s_r%02d%s", id, h.Round, Extension)
}

// Save writes the log to a file
func Save(filename string, l *Log) error {
	var buf bytes.Buffer
	if err := Write(&buf, l); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("failed to create replay directory: %w", err)
	}
	if err := os.WriteFile(filename, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadFile loads a log from a file
func LoadFile(filename string) (*Log, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return Load(bufio.NewReader(file))
}

// ReadMetadataFile reads only the header of a file
func ReadMetadataFile(filename string) (Header, error) {
	file, err := os.Open(filename)
	if err != nil {
		return Header{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	return ReadMetadata(file)
}

// DirSink writes every finished round into a directory
type DirSink struct {
	Dir string
}

// SaveReplay writes l and returns the path used
func (s DirSink) SaveReplay(l *Log) (string, error) {
	path := filepath.Join(s.Dir, FileName(l.Header))
	if err := Save(path, l); err != nil {
		return "", err
	}
	return path, nil
}
