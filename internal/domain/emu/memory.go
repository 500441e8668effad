package emu

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/younwookim/linkplay/internal/domain/hook"
)

var (
	// ErrNoRegion is returned when a region is not configured for the game.
	ErrNoRegion = errors.New("memory region not configured")
	// ErrOutOfBounds is returned for accesses past a region's end.
	ErrOutOfBounds = errors.New("memory access out of bounds")
)

// Memory is a bounded accessor over the named regions of a hook table.
// All multi-byte values are little endian.
type Memory struct {
	bus   Bus
	table *hook.Table
}

// NewMemory creates an accessor over bus limited to table's regions.
func NewMemory(bus Bus, table *hook.Table) *Memory {
	return &Memory{bus: bus, table: table}
}

// Has reports whether region r is configured.
func (m *Memory) Has(r hook.Region) bool {
	_, ok := m.table.Region(r)
	return ok
}

// Size returns the region's size, 0 when absent.
func (m *Memory) Size(r hook.Region) int {
	span, _ := m.table.Region(r)
	return int(span.Size)
}

func (m *Memory) span(r hook.Region, off, n int) (hook.Span, error) {
	span, ok := m.table.Region(r)
	if !ok {
		return hook.Span{}, fmt.Errorf("%s: %w", r, ErrNoRegion)
	}
	if off < 0 || n < 0 || !span.Contains(uint32(off), uint32(n)) {
		return hook.Span{}, fmt.Errorf("%s[%d:%d] of %d: %w", r, off, off+n, span.Size, ErrOutOfBounds)
	}
	return span, nil
}

// Read fills buf from region r starting at off.
func (m *Memory) Read(r hook.Region, off int, buf []byte) error {
	span, err := m.span(r, off, len(buf))
	if err != nil {
		return err
	}
	return m.bus.ReadBytes(span.Addr+hook.Address(off), buf)
}

// Write copies data into region r starting at off.
func (m *Memory) Write(r hook.Region, off int, data []byte) error {
	span, err := m.span(r, off, len(data))
	if err != nil {
		return err
	}
	return m.bus.WriteBytes(span.Addr+hook.Address(off), data)
}

// ReadAll returns a copy of the whole region.
func (m *Memory) ReadAll(r hook.Region) ([]byte, error) {
	buf := make([]byte, m.Size(r))
	if err := m.Read(r, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ReadU32 reads the first word of region r.
func (m *Memory) ReadU32(r hook.Region) (uint32, error) {
	var b [4]byte
	if err := m.Read(r, 0, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// WriteU32 writes the first word of region r.
func (m *Memory) WriteU32(r hook.Region, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.Write(r, 0, b[:])
}
