// Package refcore is a small deterministic duel that behaves like a linked
// handheld game from the engine's point of view. It exposes the same hook
// points and memory regions a real title does, so matches, replays and
// desync handling can run end to end without a real emulator core.
package refcore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/younwookim/linkplay/internal/domain/emu"
	"github.com/younwookim/linkplay/internal/domain/hook"
	"github.com/younwookim/linkplay/internal/domain/input"
	"github.com/younwookim/linkplay/internal/domain/rng"
)

// Memory map.
const (
	ewramBase = 0x02000000
	ewramSize = 0x40000

	addrRNGLocal    = 0x020015d4
	addrRNGShared   = 0x02001790
	addrBattleState = 0x02035810
	addrTxPacket    = 0x02037bc0
	addrRxPacket    = 0x0203ac10
	addrLinkEcho    = 0x0203b000
	addrIsP2        = 0x0203b010

	battleStateSize = 0x20
	packetSize      = 0x10
)

// Battle state layout, mirrored on both sides in player order.
const (
	offHP0    = 0x00
	offHP1    = 0x04
	offTick   = 0x08
	offInput0 = 0x0c
	offInput1 = 0x0e
	offHits0  = 0x10
	offHits1  = 0x14
	offRound  = 0x18
)

// Code addresses of the hooked routines.
const (
	AddrRoundStart     hook.Address = 0x08000200
	AddrRoundEnding    hook.Address = 0x08000280
	AddrRoundResult    hook.Address = 0x080002c0
	AddrRoundEnd       hook.Address = 0x08000300
	AddrReadInput      hook.Address = 0x080003c6
	AddrCopyInputEntry hook.Address = 0x08000400
	AddrCopyInputRet   hook.Address = 0x08000440
	AddrIsP2           hook.Address = 0x08000480
	AddrInputStateRet  hook.Address = 0x080004c0
	AddrHandleSIO      hook.Address = 0x08000500
)

// GameCode and Title identify the reference duel.
const (
	GameCode = "LKRC"
	Title    = "REFDUEL"
)

// ID is the game id of the reference duel.
var ID = hook.GameID{Code: [4]byte{'L', 'K', 'R', 'C'}}

type phase uint8

const (
	phaseBoot phase = iota
	phaseFight
	phaseEnding
	phaseEnd
)

// Options tune the duel.
type Options struct {
	StartHP  uint32
	MaxTicks uint32
	// LocalSeed seeds the local-only RNG, which differs between peers.
	LocalSeed uint32
	// CorruptAt flips a battle state byte before that tick is read;
	// negative disables it.
	CorruptAt int
	// PerturbSharedRNG scribbles over the shared RNG every frame. Only the
	// RNG sync keeps a follower consistent with it enabled.
	PerturbSharedRNG bool
}

// DefaultOptions returns a long fight without faults.
func DefaultOptions() Options {
	return Options{StartHP: 1000, MaxTicks: 600, LocalSeed: 1, CorruptAt: -1}
}

// Core implements emu.Adapter.
type Core struct {
	opts  Options
	mem   []byte
	regs  Registers
	hooks map[hook.Address]emu.HookFunc
	phase phase
	frame uint64
}

// Registers is the core's register file.
type Registers [16]uint32

// Get returns register n.
func (r *Registers) Get(n int) uint32 { return r[n] }

// Set writes register n.
func (r *Registers) Set(n int, v uint32) { r[n] = v }

// New creates a powered-on core.
func New(opts Options) *Core {
	def := DefaultOptions()
	if opts.StartHP == 0 {
		opts.StartHP = def.StartHP
	}
	if opts.MaxTicks == 0 {
		opts.MaxTicks = def.MaxTicks
	}
	c := &Core{
		opts:  opts,
		mem:   make([]byte, ewramSize),
		hooks: make(map[hook.Address]emu.HookFunc),
	}
	c.writeU32(addrRNGLocal, opts.LocalSeed)
	return c
}

// HookTable returns the hook table for the reference duel.
func HookTable() (*hook.Table, error) {
	return hook.NewTable(ID, Title, 0,
		map[hook.Event]hook.Address{
			hook.RoundStart:     AddrRoundStart,
			hook.RoundEnding:    AddrRoundEnding,
			hook.RoundResult:    AddrRoundResult,
			hook.RoundEnd:       AddrRoundEnd,
			hook.ReadInput:      AddrReadInput,
			hook.CopyInputEntry: AddrCopyInputEntry,
			hook.CopyInputRet:   AddrCopyInputRet,
			hook.IsP2:           AddrIsP2,
			hook.InputStateRet:  AddrInputStateRet,
			hook.HandleSIO:      AddrHandleSIO,
		},
		map[hook.Region]hook.Span{
			hook.RegionRNGShared:   {Addr: addrRNGShared, Size: 4},
			hook.RegionRNGLocal:    {Addr: addrRNGLocal, Size: 4},
			hook.RegionBattleState: {Addr: addrBattleState, Size: battleStateSize},
			hook.RegionTxPacket:    {Addr: addrTxPacket, Size: packetSize},
			hook.RegionRxPacket:    {Addr: addrRxPacket, Size: packetSize},
		},
	)
}

// ErrBusFault is returned for accesses outside work RAM.
var ErrBusFault = errors.New("refcore: bus fault")

// ReadBytes implements emu.Bus.
func (c *Core) ReadBytes(addr hook.Address, buf []byte) error {
	off, err := c.offset(addr, len(buf))
	if err != nil {
		return err
	}
	copy(buf, c.mem[off:])
	return nil
}

// WriteBytes implements emu.Bus.
func (c *Core) WriteBytes(addr hook.Address, data []byte) error {
	off, err := c.offset(addr, len(data))
	if err != nil {
		return err
	}
	copy(c.mem[off:], data)
	return nil
}

func (c *Core) offset(addr hook.Address, n int) (int, error) {
	if addr < ewramBase || int(addr-ewramBase)+n > ewramSize {
		return 0, fmt.Errorf("%w at %08x+%d", ErrBusFault, uint32(addr), n)
	}
	return int(addr - ewramBase), nil
}

// InstallHook implements emu.Hooker. A later hook on the same address
// replaces the earlier one.
func (c *Core) InstallHook(addr hook.Address, fn emu.HookFunc) error {
	if addr < 0x08000000 {
		return fmt.Errorf("refcore: %08x is not a code address", uint32(addr))
	}
	c.hooks[addr] = fn
	return nil
}

func (c *Core) call(addr hook.Address) (emu.Action, error) {
	fn, ok := c.hooks[addr]
	if !ok {
		return emu.Action{}, nil
	}
	return fn(&c.regs)
}

// Step implements emu.Stepper. Hook errors stop the frame without
// advancing the phase.
func (c *Core) Step() error {
	c.frame++
	switch c.phase {
	case phaseBoot:
		if _, err := c.call(AddrRoundStart); err != nil {
			return err
		}
		if err := c.beginRound(); err != nil {
			return err
		}
		c.phase = phaseFight
	case phaseFight:
		return c.fightFrame()
	case phaseEnding:
		if _, err := c.call(AddrRoundEnding); err != nil {
			return err
		}
		c.regs[0] = c.resultCode()
		if _, err := c.call(AddrRoundResult); err != nil {
			return err
		}
		c.phase = phaseEnd
	case phaseEnd:
		if _, err := c.call(AddrRoundEnd); err != nil {
			return err
		}
		c.phase = phaseBoot
	}
	return nil
}

func (c *Core) beginRound() error {
	c.regs[0] = 0
	if _, err := c.call(AddrInputStateRet); err != nil {
		return err
	}
	c.regs[0] = 0
	if _, err := c.call(AddrIsP2); err != nil {
		return err
	}
	c.writeU32(addrIsP2, c.regs[0]&1)

	round := c.readU32(addrBattleState+offRound) + 1
	clear(c.mem[addrBattleState-ewramBase : addrBattleState-ewramBase+battleStateSize])
	c.writeU32(addrBattleState+offHP0, c.opts.StartHP)
	c.writeU32(addrBattleState+offHP1, c.opts.StartHP)
	c.writeU32(addrBattleState+offRound, round)
	return nil
}

func (c *Core) fightFrame() error {
	tick := c.readU32(addrBattleState + offTick)

	local := rng.Step(c.readU32(addrRNGLocal))
	c.writeU32(addrRNGLocal, local)
	if c.opts.PerturbSharedRNG {
		c.writeU32(addrRNGShared, local)
	}
	if c.opts.CorruptAt >= 0 && tick == uint32(c.opts.CorruptAt) {
		c.mem[addrBattleState-ewramBase+offHits0] ^= 0xff
	}

	// The game stages its link packet before the input read.
	var tx [packetSize]byte
	binary.LittleEndian.PutUint32(tx[0:], tick)
	binary.LittleEndian.PutUint32(tx[4:], c.myHP())
	_ = c.WriteBytes(addrTxPacket, tx[:])

	// The SIO routine is skipped by linked play; nothing depends on it.
	if _, err := c.call(AddrHandleSIO); err != nil {
		return err
	}
	if _, err := c.call(AddrCopyInputRet); err != nil {
		return err
	}
	c.regs[4] = 0
	if _, err := c.call(AddrReadInput); err != nil {
		return err
	}
	localJoy := input.Joyflags(c.regs[4]) & input.AllButtons
	if _, err := c.call(AddrCopyInputEntry); err != nil {
		return err
	}

	var rx [packetSize]byte
	_ = c.ReadBytes(addrRxPacket, rx[:])
	remoteJoy := input.Joyflags(binary.LittleEndian.Uint16(rx[0:])) & input.AllButtons
	echo := c.readU32(addrLinkEcho) ^ binary.LittleEndian.Uint32(rx[2:])
	c.writeU32(addrLinkEcho, echo)

	p1, p2 := localJoy, remoteJoy
	if c.isP2() {
		p1, p2 = remoteJoy, localJoy
	}
	c.apply(p1, 0)
	c.apply(p2, 1)

	tick++
	c.writeU32(addrBattleState+offTick, tick)
	hp0 := c.readU32(addrBattleState + offHP0)
	hp1 := c.readU32(addrBattleState + offHP1)
	if hp0 == 0 || hp1 == 0 || tick >= c.opts.MaxTicks {
		c.phase = phaseEnding
	}
	return nil
}

// apply runs one player's input. Attacks draw damage from the shared RNG,
// in player order on both sides.
func (c *Core) apply(j input.Joyflags, player int) {
	hpOff := [2]uint32{offHP0, offHP1}
	inOff := [2]uint32{offInput0, offInput1}
	hitOff := [2]uint32{offHits0, offHits1}

	var in [2]byte
	binary.LittleEndian.PutUint16(in[:], uint16(j))
	copy(c.mem[addrBattleState-ewramBase+inOff[player]:], in[:])

	other := 1 - player
	if j.Has(input.ButtonA) {
		next, dmg := rng.Draw(c.readU32(addrRNGShared), 10)
		c.writeU32(addrRNGShared, next)
		dmg++
		hp := c.readU32(addrBattleState + hpOff[other])
		c.writeU32(addrBattleState+hpOff[other], hp-min(hp, dmg))
		hits := c.readU32(addrBattleState + hitOff[player])
		c.writeU32(addrBattleState+hitOff[player], hits+1)
	}
	if j.Has(input.ButtonB) {
		hp := c.readU32(addrBattleState + hpOff[player])
		if hp > 0 && hp < c.opts.StartHP {
			c.writeU32(addrBattleState+hpOff[player], hp+1)
		}
	}
}

func (c *Core) isP2() bool {
	return c.readU32(addrIsP2) == 1
}

func (c *Core) myHP() uint32 {
	if c.isP2() {
		return c.readU32(addrBattleState + offHP1)
	}
	return c.readU32(addrBattleState + offHP0)
}

// resultCode reports the round from the local player's side: 1 win,
// 2 loss, 3 draw.
func (c *Core) resultCode() uint32 {
	mine, theirs := c.readU32(addrBattleState+offHP0), c.readU32(addrBattleState+offHP1)
	if c.isP2() {
		mine, theirs = theirs, mine
	}
	switch {
	case mine > theirs:
		return 1
	case mine < theirs:
		return 2
	default:
		return 3
	}
}

// HP returns both players' hit points in player order.
func (c *Core) HP() (uint32, uint32) {
	return c.readU32(addrBattleState + offHP0), c.readU32(addrBattleState + offHP1)
}

// Tick returns the battle tick counter.
func (c *Core) Tick() uint32 {
	return c.readU32(addrBattleState + offTick)
}

// Frame returns the number of frames stepped.
func (c *Core) Frame() uint64 { return c.frame }

func (c *Core) readU32(addr uint32) uint32 {
	off := addr - ewramBase
	return binary.LittleEndian.Uint32(c.mem[off:])
}

func (c *Core) writeU32(addr, v uint32) {
	off := addr - ewramBase
	binary.LittleEndian.PutUint32(c.mem[off:], v)
}

var stateMagic = []byte("RCST")

// Snapshot implements emu.SaveStater.
func (c *Core) Snapshot() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(stateMagic)
	buf.WriteByte(byte(c.phase))
	if err := binary.Write(&buf, binary.LittleEndian, c.regs); err != nil {
		return nil, err
	}
	buf.Write(c.mem)
	return buf.Bytes(), nil
}

// Restore implements emu.SaveStater.
func (c *Core) Restore(state []byte) error {
	want := len(stateMagic) + 1 + 16*4 + ewramSize
	if len(state) != want || !bytes.Equal(state[:len(stateMagic)], stateMagic) {
		return fmt.Errorf("refcore: invalid save state (%d bytes)", len(state))
	}
	r := bytes.NewReader(state[len(stateMagic):])
	p, _ := r.ReadByte()
	if phase(p) > phaseEnd {
		return fmt.Errorf("refcore: invalid phase %d", p)
	}
	var regs Registers
	if err := binary.Read(r, binary.LittleEndian, &regs); err != nil {
		return err
	}
	c.phase = phase(p)
	c.regs = regs
	_, err := r.Read(c.mem)
	return err
}
