// Package hook maps semantic game events to raw addresses per game identity.
//
// A Table is pure data: the engine asks for an event's address and never
// branches on the address value itself. A zero address means the hook is not
// installed for that game revision.
package hook

// Address is a location in the emulated address space.
type Address uint32

// Event names a semantic hook point.
type Event string

const (
	RoundStart     Event = "round_start"
	RoundEnding    Event = "round_ending"
	RoundResult    Event = "round_result"
	ReadInput      Event = "read_input"
	RoundEnd       Event = "round_end"
	CopyInputEntry Event = "copy_input_entry"
	CopyInputRet   Event = "copy_input_ret"
	InputStateRet  Event = "input_state_ret"
	IsP2           Event = "is_p2"
	LinkIsP2       Event = "link_is_p2"
	CommMenuInit   Event = "comm_menu_init"
	CommMenuEnd    Event = "comm_menu_end"
	HandleSIO      Event = "handle_sio"
	LinkCableInput Event = "link_cable_input"
	MatchEnd       Event = "match_end"
	OpponentName   Event = "opponent_name"
)

// Region names a bounded memory area.
type Region string

const (
	RegionRNGShared          Region = "rng_shared"
	RegionRNGLocal           Region = "rng_local"
	RegionBattleState        Region = "battle_state"
	RegionTxPacket           Region = "tx_packet"
	RegionRxPacket           Region = "rx_packet"
	RegionStartScreenControl Region = "start_screen_control"
	RegionOpponentName       Region = "opponent_name"
)

// RequiredEvents must be installed for a session to run.
var RequiredEvents = []Event{RoundStart, RoundEnding, RoundResult, ReadInput}

// OptionalEvents enrich a session when installed.
var OptionalEvents = []Event{
	RoundEnd,
	CopyInputEntry,
	CopyInputRet,
	InputStateRet,
	IsP2,
	LinkIsP2,
	CommMenuInit,
	CommMenuEnd,
	HandleSIO,
	LinkCableInput,
	MatchEnd,
	OpponentName,
}

// RequiredRegions must be present for a session to run.
var RequiredRegions = []Region{RegionRNGShared, RegionBattleState}

// OptionalRegions enrich a session when present.
var OptionalRegions = []Region{
	RegionRNGLocal,
	RegionTxPacket,
	RegionRxPacket,
	RegionStartScreenControl,
	RegionOpponentName,
}

// AllEvents returns required then optional events in declaration order.
func AllEvents() []Event {
	out := make([]Event, 0, len(RequiredEvents)+len(OptionalEvents))
	out = append(out, RequiredEvents...)
	return append(out, OptionalEvents...)
}

// AllRegions returns required then optional regions in declaration order.
func AllRegions() []Region {
	out := make([]Region, 0, len(RequiredRegions)+len(OptionalRegions))
	out = append(out, RequiredRegions...)
	return append(out, OptionalRegions...)
}

// Known reports whether e is a defined event.
func (e Event) Known() bool {
	for _, k := range AllEvents() {
		if k == e {
			return true
		}
	}
	return false
}

// Known reports whether r is a defined region.
func (r Region) Known() bool {
	for _, k := range AllRegions() {
		if k == r {
			return true
		}
	}
	return false
}
