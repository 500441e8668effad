package replay

import (
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

// FormatVersion is the current replay header version
const FormatVersion = 1

// GameInfo identifies the ROM the round was played on
type GameInfo struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	CRC32 uint32 `json:"crc32"`
}

// Participant describes one peer
type Participant struct {
	Nickname string `json:"nickname"`
}

// OutcomeInfo is the JSON form of state.Outcome
type OutcomeInfo struct {
	Reason string `json:"reason"`
	Winner string `json:"winner,omitempty"`
	Side   string `json:"side,omitempty"`
	Tick   uint32 `json:"tick"`
	Detail string `json:"detail,omitempty"`
}

// NewOutcomeInfo converts an outcome for the header
func NewOutcomeInfo(o state.Outcome) OutcomeInfo {
	info := OutcomeInfo{
		Reason: o.Reason.String(),
		Tick:   uint32(o.Tick),
		Detail: o.Detail,
	}
	if o.Winner != state.WinnerNone {
		info.Winner = o.Winner.String()
	}
	if o.Side != state.SideUnknown {
		info.Side = o.Side.String()
	}
	return info
}

// Outcome converts back to state.Outcome
func (o OutcomeInfo) Outcome() state.Outcome {
	return state.Outcome{
		Reason: state.ParseReason(o.Reason),
		Winner: state.ParseWinner(o.Winner),
		Side:   state.ParseSide(o.Side),
		Tick:   input.Tick(o.Tick),
		Detail: o.Detail,
	}
}

// Header is the metadata readable without decoding the body
type Header struct {
	Version          int         `json:"version"`
	MatchID          string      `json:"matchId"`
	Round            uint32      `json:"round"`
	Game             GameInfo    `json:"game"`
	Local            Participant `json:"local"`
	Remote           Participant `json:"remote"`
	Role             string      `json:"role"`
	Seed             uint32      `json:"seed"`
	StartTime        string      `json:"startTime"`
	EndTime          string      `json:"endTime,omitempty"`
	Outcome          OutcomeInfo `json:"outcome"`
	DesyncTick       *uint32     `json:"desyncTick,omitempty"`
	Ticks            int         `json:"ticks"`
	SnapshotInterval int         `json:"snapshotInterval,omitempty"`
}

// Record is one resolved tick pair
type Record struct {
	Tick   input.Tick
	Local  input.Packet
	Remote input.Packet
}

// ControlRecord is a remote control message and the number of records
// committed when it arrived
type ControlRecord struct {
	After   int
	Control wire.Control
}

// Keyframe is a periodic machine snapshot taken after Tick resolved
type Keyframe struct {
	Tick  input.Tick
	State []byte
}

// Log contains all data needed to replay one round
type Log struct {
	Header    Header
	Snapshot  []byte
	Records   []Record
	Controls  []ControlRecord
	Keyframes []Keyframe
}

// Diff returns the first tick at which the records of a and b disagree,
// or -1 when they are identical.
func Diff(a, b *Log) int {
	n := min(len(a.Records), len(b.Records))
	for i := 0; i < n; i++ {
		ra, rb := a.Records[i], b.Records[i]
		if ra.Tick != rb.Tick || !ra.Local.Equal(rb.Local) || !ra.Remote.Equal(rb.Remote) {
			return i
		}
	}
	if len(a.Records) != len(b.Records) {
		return n
	}
	return -1
}
