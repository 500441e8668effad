package session

import (
	"context"
	"errors"
	"time"

	"github.com/younwookim/linkplay/internal/domain/emu"
)

// Attach installs the session's hooks on adapter and uses its save states
// for round snapshots. Call it before stepping the core.
func (s *Session) Attach(adapter emu.Adapter) error {
	s.mu.Lock()
	s.snapshot = adapter.Snapshot
	s.mu.Unlock()
	return emu.Install(s.ctx, adapter, s.table, emu.NewMemory(adapter, s.table), s)
}

// Drive steps the core until the match ends or ctx is cancelled. A
// positive frame paces the loop; zero runs as fast as the core allows.
func (s *Session) Drive(ctx context.Context, core emu.Stepper, frame time.Duration) error {
	var tick <-chan time.Time
	if frame > 0 {
		ticker := time.NewTicker(frame)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.done:
			return nil
		default:
		}

		if err := core.Step(); err != nil {
			if errors.Is(err, ErrEnded) {
				return nil
			}
			return err
		}

		if tick != nil {
			select {
			case <-tick:
			case <-ctx.Done():
				return ctx.Err()
			case <-s.done:
				return nil
			}
		}
	}
}
