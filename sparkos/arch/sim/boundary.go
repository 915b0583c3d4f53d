// Package sim is a host stand-in for the architecture layer: a register
// file with stack frames, and scripted programs in place of app code.
package sim

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"ember/sparkos/kernel"
)

const (
	// DefaultBootstrapSize is the app memory a process gets before it runs.
	DefaultBootstrapSize = 1024

	// FrameBytes is the size of one exception frame.
	FrameBytes = 32
)

var (
	ErrNoRoom       = errors.New("sim: no room for an exception frame")
	ErrBadStack     = errors.New("sim: stack pointer outside app memory")
	ErrForeignState = errors.New("sim: stored state from another boundary")
)

// State is the saved register file of one process.
type State struct {
	R       [4]uint32
	SP      kernel.Addr
	PC      kernel.Addr
	PSR     uint32
	YieldPC kernel.Addr
	Entry   kernel.Addr

	frames int
}

// Frames is the number of frames pushed on the process stack.
func (s *State) Frames() int { return s.frames }

// Boundary implements kernel.UserspaceKernelBoundary for scripted programs.
type Boundary struct {
	mu        sync.Mutex
	bootstrap uint32
	programs  map[kernel.Addr]Program
	timer     *Timer
	cost      uint32
	ram       kernel.Span
}

// Option configures a Boundary.
type Option func(*Boundary)

// WithBootstrapSize sets the initial app break offset.
func WithBootstrapSize(n uint32) Option { return func(b *Boundary) { b.bootstrap = n } }

// WithTimer charges costUS microseconds of t per switch.
func WithTimer(t *Timer, costUS uint32) Option {
	return func(b *Boundary) { b.timer, b.cost = t, costUS }
}

// WithMemory lets programs read and write process memory inside ram.
func WithMemory(ram kernel.Span) Option { return func(b *Boundary) { b.ram = ram } }

// NewBoundary returns a boundary with no programs registered.
func NewBoundary(opts ...Option) *Boundary {
	b := &Boundary{bootstrap: DefaultBootstrapSize, programs: make(map[kernel.Addr]Program)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register runs prog whenever a process executes at pc.
func (b *Boundary) Register(pc kernel.Addr, prog Program) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.programs[pc] = prog
}

func (b *Boundary) InitialProcessAppBrkSize() uint32 { return b.bootstrap }

func (b *Boundary) NewStoredState() kernel.StoredState { return &State{} }

func asState(s kernel.StoredState) (*State, error) {
	st, ok := s.(*State)
	if !ok || st == nil {
		return nil, ErrForeignState
	}
	return st, nil
}

func (b *Boundary) InitializeProcess(memStart, appBreak kernel.Addr, s kernel.StoredState) error {
	st, err := asState(s)
	if err != nil {
		return err
	}
	if appBreak < memStart || uint32(appBreak-memStart) < FrameBytes {
		return fmt.Errorf("%w: %d bytes", ErrNoRoom, appBreak-memStart)
	}
	*st = State{SP: appBreak, PSR: 0x0100_0000}
	return nil
}

func (b *Boundary) SetSyscallReturnValue(memStart, appBreak kernel.Addr, s kernel.StoredState, value int32) error {
	st, err := asState(s)
	if err != nil {
		return err
	}
	if st.SP < memStart || st.SP >= appBreak {
		return fmt.Errorf("%w: sp 0x%08x", ErrBadStack, st.SP)
	}
	st.R[0] = uint32(value)
	return nil
}

func (b *Boundary) SetProcessFunction(memStart, appBreak kernel.Addr, s kernel.StoredState, call kernel.FunctionCall) error {
	st, err := asState(s)
	if err != nil {
		return err
	}
	if st.SP > appBreak || st.SP < memStart || uint32(st.SP-memStart) < FrameBytes {
		return fmt.Errorf("%w: sp 0x%08x", ErrNoRoom, st.SP)
	}
	st.SP -= FrameBytes
	st.frames++
	st.YieldPC = st.PC
	st.PC = call.PC
	st.R = [4]uint32{call.Arg0, call.Arg1, call.Arg2, call.Arg3}
	if st.Entry == 0 {
		st.Entry = call.PC
	}
	return nil
}

func (b *Boundary) SwitchToProcess(memStart, appBreak kernel.Addr, s kernel.StoredState) (kernel.ContextSwitchReason, kernel.Addr, bool) {
	st, err := asState(s)
	if err != nil {
		return kernel.ContextSwitchReason{Kind: kernel.SwitchFault}, 0, false
	}

	b.mu.Lock()
	prog := b.programs[st.PC]
	timer, cost, ram := b.timer, b.cost, b.ram
	b.mu.Unlock()

	if timer != nil {
		timer.Advance(cost)
	}
	reason := Yield()
	if prog != nil {
		reason = prog(&Machine{State: st, MemStart: memStart, AppBreak: appBreak, ram: ram})
	}

	// A callback that yields has returned; drop its frame.
	if reason.Kind == kernel.SwitchSyscallFired && reason.Syscall.Class == kernel.SyscallYield && st.frames > 1 {
		st.SP += FrameBytes
		st.frames--
		st.PC = st.YieldPC
	}
	return reason, st.SP, true
}

func (b *Boundary) PrintContext(memStart, appBreak kernel.Addr, s kernel.StoredState, w io.Writer) {
	st, err := asState(s)
	if err != nil {
		fmt.Fprintf(w, " (no register state: %v)\n", err)
		return
	}
	fmt.Fprintf(w, " R0 : 0x%08x    R2 : 0x%08x\n", st.R[0], st.R[2])
	fmt.Fprintf(w, " R1 : 0x%08x    R3 : 0x%08x\n", st.R[1], st.R[3])
	fmt.Fprintf(w, " SP : 0x%08x    PC : 0x%08x\n", uint32(st.SP), uint32(st.PC))
	fmt.Fprintf(w, " PSR: 0x%08x    YPC: 0x%08x\n", st.PSR, uint32(st.YieldPC))
	fmt.Fprintf(w, " Entry: 0x%08x  Frames: %d  Stack used: %d\n",
		uint32(st.Entry), st.frames, int64(appBreak)-int64(st.SP))
}
