package sim

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/sparkos/kernel"
)

const (
	memStart = kernel.Addr(0x2000_0000)
	appBreak = memStart + DefaultBootstrapSize
)

func TestInitializeProcess(t *testing.T) {
	b := NewBoundary()
	st := b.NewStoredState()

	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))
	assert.Equal(t, appBreak, st.(*State).SP)

	err := b.InitializeProcess(memStart, memStart+16, b.NewStoredState())
	assert.True(t, errors.Is(err, ErrNoRoom), "got %v", err)
}

func TestSetProcessFunctionPushesFrame(t *testing.T) {
	b := NewBoundary()
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))

	call := kernel.FunctionCall{PC: 0x4_0041, Arg0: 1, Arg1: 2, Arg2: 3, Arg3: 4}
	require.NoError(t, b.SetProcessFunction(memStart, appBreak, st, call))

	s := st.(*State)
	assert.Equal(t, appBreak-FrameBytes, s.SP)
	assert.Equal(t, kernel.Addr(0x4_0041), s.PC)
	assert.Equal(t, kernel.Addr(0x4_0041), s.Entry)
	assert.Equal(t, [4]uint32{1, 2, 3, 4}, s.R)
	assert.Equal(t, 1, s.Frames())
}

func TestSetProcessFunctionFailsWithoutRoom(t *testing.T) {
	b := NewBoundary()
	st := &State{SP: memStart + 8}
	err := b.SetProcessFunction(memStart, appBreak, st, kernel.FunctionCall{PC: 1})
	assert.True(t, errors.Is(err, ErrNoRoom), "got %v", err)
}

func TestSetSyscallReturnValue(t *testing.T) {
	b := NewBoundary()
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))

	// sp == app break before any frame is pushed
	assert.True(t, errors.Is(b.SetSyscallReturnValue(memStart, appBreak, st, 5), ErrBadStack))

	require.NoError(t, b.SetProcessFunction(memStart, appBreak, st, kernel.FunctionCall{PC: 1}))
	require.NoError(t, b.SetSyscallReturnValue(memStart, appBreak, st, -9))
	assert.Equal(t, uint32(0xFFFF_FFF7), st.(*State).R[0])
}

func TestSwitchRunsRegisteredProgram(t *testing.T) {
	b := NewBoundary()
	b.Register(0x100, Script(Memop(kernel.MemopMemStart, 0), Fault()))
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))
	require.NoError(t, b.SetProcessFunction(memStart, appBreak, st, kernel.FunctionCall{PC: 0x100}))

	r, sp, ok := b.SwitchToProcess(memStart, appBreak, st)
	require.True(t, ok)
	assert.Equal(t, kernel.SwitchSyscallFired, r.Kind)
	assert.Equal(t, kernel.SyscallMemop, r.Syscall.Class)
	assert.Equal(t, appBreak-FrameBytes, sp)

	r, _, _ = b.SwitchToProcess(memStart, appBreak, st)
	assert.Equal(t, kernel.SwitchFault, r.Kind)

	r, _, _ = b.SwitchToProcess(memStart, appBreak, st)
	assert.Equal(t, kernel.SyscallYield, r.Syscall.Class)
}

func TestYieldingCallbackPopsFrame(t *testing.T) {
	b := NewBoundary()
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))
	require.NoError(t, b.SetProcessFunction(memStart, appBreak, st, kernel.FunctionCall{PC: 0x100}))
	b.SwitchToProcess(memStart, appBreak, st)

	for i := 0; i < 100; i++ {
		require.NoError(t, b.SetProcessFunction(memStart, appBreak, st, kernel.FunctionCall{PC: 0x200}))
		b.SwitchToProcess(memStart, appBreak, st)
	}
	s := st.(*State)
	assert.Equal(t, 1, s.Frames())
	assert.Equal(t, kernel.Addr(0x100), s.PC)
}

func TestSwitchAdvancesTimer(t *testing.T) {
	tm := NewTimer()
	b := NewBoundary(WithTimer(tm, 600))
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))

	tm.Start(1000)
	b.SwitchToProcess(memStart, appBreak, st)
	assert.False(t, tm.Expired())
	assert.Equal(t, uint32(400), tm.Remaining())
	b.SwitchToProcess(memStart, appBreak, st)
	assert.True(t, tm.Expired())

	tm.Reset()
	assert.False(t, tm.Expired())
	tm.Advance(5000)
	assert.False(t, tm.Expired(), "a stopped timer never expires")
}

func TestPrintContext(t *testing.T) {
	b := NewBoundary()
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))

	var buf bytes.Buffer
	b.PrintContext(memStart, appBreak, st, &buf)
	assert.True(t, strings.Contains(buf.String(), "SP : 0x20000400"), buf.String())
}

func TestProgramMemoryAccess(t *testing.T) {
	ram := kernel.Span{Start: memStart, Bytes: make([]byte, 4096)}
	b := NewBoundary(WithMemory(ram))
	b.Register(0x100, func(m *Machine) kernel.ContextSwitchReason {
		require.NoError(t, m.Store(m.MemStart+8, []byte("hi")))
		got, err := m.Load(m.MemStart+8, 2)
		require.NoError(t, err)
		assert.Equal(t, []byte("hi"), got)

		assert.True(t, errors.Is(m.Store(m.AppBreak-1, []byte("xy")), ErrMemoryFault))
		_, err = m.Load(m.MemStart-4, 4)
		assert.True(t, errors.Is(err, ErrMemoryFault))
		return Yield()
	})
	st := b.NewStoredState()
	require.NoError(t, b.InitializeProcess(memStart, appBreak, st))
	require.NoError(t, b.SetProcessFunction(memStart, appBreak, st, kernel.FunctionCall{PC: 0x100}))
	b.SwitchToProcess(memStart, appBreak, st)

	assert.Equal(t, []byte("hi"), ram.Bytes[8:10])
}

func TestSequenceRestartsWithNewState(t *testing.T) {
	prog := Sequence(Trap(Fault()), Trap(Interrupted()))
	first := &Machine{State: &State{}}
	assert.Equal(t, kernel.SwitchFault, prog(first).Kind)
	assert.Equal(t, kernel.SwitchInterrupted, prog(first).Kind)
	assert.Equal(t, kernel.SyscallYield, prog(first).Syscall.Class)

	second := &Machine{State: &State{}}
	assert.Equal(t, kernel.SwitchFault, prog(second).Kind)
}

func TestLoopRunsBodyOnEveryEntry(t *testing.T) {
	prog := Loop(Trap(Command(1, 1, 0, 0)))
	m := &Machine{State: &State{}}
	for i := 0; i < 2; i++ {
		assert.Equal(t, kernel.SyscallCommand, prog(m).Syscall.Class)
		assert.Equal(t, kernel.SyscallYield, prog(m).Syscall.Class)
	}
}
