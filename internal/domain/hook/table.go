package hook

import (
	"fmt"
	"strings"
)

// Mode selects how strictly a table is validated.
type Mode int

const (
	// Lenient fails only when a required event or region is missing.
	Lenient Mode = iota
	// Strict fails when any known event or region is missing.
	Strict
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Lenient:
		return "lenient"
	case Strict:
		return "strict"
	default:
		return "unknown"
	}
}

// ParseMode parses "lenient" or "strict".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "lenient":
		return Lenient, nil
	case "strict":
		return Strict, nil
	default:
		return Lenient, fmt.Errorf("unknown hook validation mode %q", s)
	}
}

// Span is a bounded memory area.
type Span struct {
	Addr Address
	Size uint32
}

// Contains reports whether [off, off+n) lies inside the span.
func (s Span) Contains(off, n uint32) bool {
	end := uint64(off) + uint64(n)
	return end <= uint64(s.Size)
}

type entry struct {
	event Event
	addr  Address
}

// Table is the immutable hook configuration of one game revision.
type Table struct {
	id      GameID
	title   string
	crc32   uint32
	entries []entry
	regions map[Region]Span
}

// NewTable builds a table. Entries with a zero address or zero-size
// regions are treated as not installed. Unknown names are rejected.
func NewTable(id GameID, title string, crc uint32, hooks map[Event]Address, regions map[Region]Span) (*Table, error) {
	t := &Table{
		id:      id,
		title:   title,
		crc32:   crc,
		regions: make(map[Region]Span),
	}

	for ev := range hooks {
		if !ev.Known() {
			return nil, &ConfigError{Game: id, Reason: fmt.Sprintf("unknown hook %q", ev)}
		}
	}
	for r := range regions {
		if !r.Known() {
			return nil, &ConfigError{Game: id, Reason: fmt.Sprintf("unknown region %q", r)}
		}
	}

	// Declaration order keeps installation deterministic.
	for _, ev := range AllEvents() {
		if addr := hooks[ev]; addr != 0 {
			t.entries = append(t.entries, entry{event: ev, addr: addr})
		}
	}
	for r, span := range regions {
		if span.Addr != 0 && span.Size != 0 {
			t.regions[r] = span
		}
	}
	return t, nil
}

// ID returns the game identity.
func (t *Table) ID() GameID { return t.id }

// Title returns the human readable game title.
func (t *Table) Title() string { return t.title }

// CRC32 returns the expected ROM checksum, 0 when unchecked.
func (t *Table) CRC32() uint32 { return t.crc32 }

// Lookup returns the address of an installed event.
func (t *Table) Lookup(ev Event) (Address, bool) {
	for _, e := range t.entries {
		if e.event == ev {
			return e.addr, true
		}
	}
	return 0, false
}

// Region returns an installed memory region.
func (t *Table) Region(r Region) (Span, bool) {
	span, ok := t.regions[r]
	return span, ok
}

// Events returns installed events in declaration order.
func (t *Table) Events() []Event {
	out := make([]Event, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.event)
	}
	return out
}

// EventAt returns the event installed at addr.
func (t *Table) EventAt(addr Address) (Event, bool) {
	for _, e := range t.entries {
		if e.addr == addr {
			return e.event, true
		}
	}
	return "", false
}

// Validate checks the table against the mode and returns a *ConfigError
// listing every missing name.
func (t *Table) Validate(mode Mode) error {
	events := RequiredEvents
	regions := RequiredRegions
	if mode == Strict {
		events = AllEvents()
		regions = AllRegions()
	}

	var missing []string
	for _, ev := range events {
		if _, ok := t.Lookup(ev); !ok {
			missing = append(missing, string(ev))
		}
	}
	for _, r := range regions {
		if _, ok := t.Region(r); !ok {
			missing = append(missing, string(r))
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Game: t.id, Missing: missing}
	}
	return nil
}

// Capabilities reports which optional behaviours a table supports.
type Capabilities struct {
	LinkPayload  bool // tx/rx packet copy hooks and regions
	PlayerIndex  bool // is_p2 or link_is_p2
	InputState   bool
	RoundEnd     bool
	MatchEnd     bool
	SkipSIO      bool
	LocalRNG     bool
	OpponentName bool
}

// Capabilities derives the optional features from installed entries.
func (t *Table) Capabilities() Capabilities {
	has := func(ev Event) bool {
		_, ok := t.Lookup(ev)
		return ok
	}
	region := func(r Region) bool {
		_, ok := t.Region(r)
		return ok
	}

	return Capabilities{
		LinkPayload:  has(CopyInputRet) && has(CopyInputEntry) && region(RegionTxPacket) && region(RegionRxPacket),
		PlayerIndex:  has(IsP2) || has(LinkIsP2),
		InputState:   has(InputStateRet),
		RoundEnd:     has(RoundEnd),
		MatchEnd:     has(MatchEnd) || has(CommMenuEnd),
		SkipSIO:      has(HandleSIO) || has(LinkCableInput),
		LocalRNG:     region(RegionRNGLocal),
		OpponentName: has(OpponentName) && region(RegionOpponentName),
	}
}
