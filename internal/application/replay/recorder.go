package replay

import (
	"fmt"
	"sync"
	"time"

	"github.com/younwookim/linkplay/internal/application/lockstep"
	"github.com/younwookim/linkplay/internal/application/state"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/infrastructure/wire"
)

// SnapshotFunc captures the machine state on the emulator goroutine
type SnapshotFunc func() ([]byte, error)

// Recorder accumulates one round's log as ticks resolve
type Recorder struct {
	mu        sync.Mutex
	data      Log
	recording bool
	interval  int
	snapshot  SnapshotFunc
}

// NewRecorder creates a recorder. interval > 0 takes a keyframe every
// interval ticks through snapshot.
func NewRecorder(h Header, interval int, snapshot SnapshotFunc) *Recorder {
	h.Version = FormatVersion
	if h.StartTime == "" {
		h.StartTime = time.Now().UTC().Format(time.RFC3339)
	}
	if snapshot == nil {
		interval = 0
	}
	h.SnapshotInterval = interval
	return &Recorder{
		data: Log{
			Header:  h,
			Records: make([]Record, 0, 3600), // ~1 minute at 60fps
		},
		recording: true,
		interval:  interval,
		snapshot:  snapshot,
	}
}

// SetStartSnapshot stores the state captured when the round started
func (r *Recorder) SetStartSnapshot(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data.Snapshot = append([]byte(nil), b...)
}

// RecordResolution appends a resolved pair. Ticks must arrive in order
// without gaps.
func (r *Recorder) RecordResolution(res lockstep.Resolution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil
	}

	want := input.Tick(len(r.data.Records))
	if res.Tick != want || res.Local.Tick != want || res.Remote.Tick != want {
		return fmt.Errorf("replay: resolution for tick %d (local %d, remote %d), expected %d",
			res.Tick, res.Local.Tick, res.Remote.Tick, want)
	}
	r.data.Records = append(r.data.Records, Record{
		Tick:   res.Tick,
		Local:  res.Local.Clone(),
		Remote: res.Remote.Clone(),
	})

	if r.interval > 0 && len(r.data.Records)%r.interval == 0 {
		st, err := r.snapshot()
		if err != nil {
			return fmt.Errorf("failed to snapshot tick %d: %w", res.Tick, err)
		}
		r.data.Keyframes = append(r.data.Keyframes, Keyframe{Tick: res.Tick, State: st})
	}
	return nil
}

// RecordControl appends a remote control message
func (r *Recorder) RecordControl(c wire.Control) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return
	}
	r.data.Controls = append(r.data.Controls, ControlRecord{After: len(r.data.Records), Control: c})
}

// Finalize stops recording and fills in the outcome
func (r *Recorder) Finalize(o state.Outcome, end time.Time) *Log {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		r.recording = false
		r.data.Header.Outcome = NewOutcomeInfo(o)
		r.data.Header.EndTime = end.UTC().Format(time.RFC3339)
		r.data.Header.Ticks = len(r.data.Records)
		if o.Reason == state.ReasonDesync {
			tick := uint32(o.Tick)
			r.data.Header.DesyncTick = &tick
		}
	}
	out := r.data
	return &out
}

// IsRecording returns whether recording is active
func (r *Recorder) IsRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// TickCount returns the number of recorded ticks
func (r *Recorder) TickCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data.Records)
}

// Header returns a copy of the current header
func (r *Recorder) Header() Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data.Header
}
