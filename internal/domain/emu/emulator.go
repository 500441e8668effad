// Package emu describes the capabilities the engine needs from an emulator
// core. The core itself lives outside this module; adapters implement these
// interfaces.
package emu

import (
	"context"

	"github.com/younwookim/linkplay/internal/domain/hook"
)

// Registers exposes the general purpose registers of the paused CPU.
type Registers interface {
	Get(n int) uint32
	Set(n int, v uint32)
}

// Bus reads and writes raw emulated memory.
type Bus interface {
	ReadBytes(addr hook.Address, buf []byte) error
	WriteBytes(addr hook.Address, data []byte) error
}

// Action tells the core how to resume after a hook returns.
type Action struct {
	// Skip returns from the hooked function without executing it.
	Skip bool
}

// HookFunc runs synchronously on the emulator goroutine when execution
// reaches an installed address.
type HookFunc func(regs Registers) (Action, error)

// Hooker installs execution hooks.
type Hooker interface {
	InstallHook(addr hook.Address, fn HookFunc) error
}

// Stepper advances emulation by one video frame.
type Stepper interface {
	Step() error
}

// SaveStater captures and restores the complete machine state.
type SaveStater interface {
	Snapshot() ([]byte, error)
	Restore(state []byte) error
}

// Adapter is the full capability set of a core usable for link battles.
type Adapter interface {
	Bus
	Hooker
	Stepper
	SaveStater
}

// Call is one hook invocation as seen by the engine.
type Call struct {
	Event hook.Event
	Regs  Registers
	Mem   *Memory
}

// Handler receives hook calls. HandleHook may block, bounded by the
// engine's own timeouts.
type Handler interface {
	HandleHook(ctx context.Context, call Call) (Action, error)
}

// Install wires every event of table to handler through the adapter's hooks.
func Install(ctx context.Context, h Hooker, table *hook.Table, mem *Memory, handler Handler) error {
	for _, ev := range table.Events() {
		addr, _ := table.Lookup(ev)
		event := ev
		err := h.InstallHook(addr, func(regs Registers) (Action, error) {
			return handler.HandleHook(ctx, Call{Event: event, Regs: regs, Mem: mem})
		})
		if err != nil {
			return err
		}
	}
	return nil
}
