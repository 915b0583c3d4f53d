package sim

import (
	"errors"
	"fmt"

	"ember/sparkos/kernel"
)

// ErrMemoryFault is returned for program accesses outside the memory the
// process can reach.
var ErrMemoryFault = errors.New("sim: memory access outside app memory")

// Machine is what a Program sees of the process while it runs.
type Machine struct {
	State    *State
	MemStart kernel.Addr
	AppBreak kernel.Addr

	ram kernel.Span
}

// mem returns the bytes at [addr, addr+n) if they lie below the app break.
func (m *Machine) mem(addr kernel.Addr, n int) ([]byte, error) {
	end := uint64(addr) + uint64(n)
	if addr < m.MemStart || end > uint64(m.AppBreak) || addr < m.ram.Start || end > uint64(m.ram.End()) {
		return nil, fmt.Errorf("%w: [0x%08x+%d]", ErrMemoryFault, uint32(addr), n)
	}
	off := int(addr - m.ram.Start)
	return m.ram.Bytes[off : off+n], nil
}

// Store writes b to app memory at addr.
func (m *Machine) Store(addr kernel.Addr, b []byte) error {
	dst, err := m.mem(addr, len(b))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

// Load reads n bytes of app memory at addr.
func (m *Machine) Load(addr kernel.Addr, n int) ([]byte, error) {
	src, err := m.mem(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), src...), nil
}

// Arg returns argument register i of the current call.
func (m *Machine) Arg(i int) uint32 { return m.State.R[i] }

// Program stands in for app code: each call runs the process until its next
// trap into the kernel.
type Program func(m *Machine) kernel.ContextSwitchReason

// Script returns a program that traps with each reason in turn and then
// yields forever.
func Script(reasons ...kernel.ContextSwitchReason) Program {
	i := 0
	return func(*Machine) kernel.ContextSwitchReason {
		if i >= len(reasons) {
			return Yield()
		}
		r := reasons[i]
		i++
		return r
	}
}

func syscall(s kernel.Syscall) kernel.ContextSwitchReason {
	return kernel.ContextSwitchReason{Kind: kernel.SwitchSyscallFired, Syscall: s}
}

func Yield() kernel.ContextSwitchReason {
	return syscall(kernel.Syscall{Class: kernel.SyscallYield})
}

func Memop(op, arg uint32) kernel.ContextSwitchReason {
	return syscall(kernel.Syscall{Class: kernel.SyscallMemop, Sub: op, Arg0: arg})
}

func Command(driver, cmd, arg0, arg1 uint32) kernel.ContextSwitchReason {
	return syscall(kernel.Syscall{Class: kernel.SyscallCommand, Driver: driver, Sub: cmd, Arg0: arg0, Arg1: arg1})
}

func Subscribe(driver, sub uint32, pc kernel.Addr, appData uint32) kernel.ContextSwitchReason {
	return syscall(kernel.Syscall{Class: kernel.SyscallSubscribe, Driver: driver, Sub: sub, Arg0: uint32(pc), Arg1: appData})
}

func Allow(driver, sub uint32, start kernel.Addr, size uint32) kernel.ContextSwitchReason {
	return syscall(kernel.Syscall{Class: kernel.SyscallAllow, Driver: driver, Sub: sub, Arg0: uint32(start), Arg1: size})
}

func Fault() kernel.ContextSwitchReason {
	return kernel.ContextSwitchReason{Kind: kernel.SwitchFault}
}

func TimesliceExpired() kernel.ContextSwitchReason {
	return kernel.ContextSwitchReason{Kind: kernel.SwitchTimesliceExpired}
}

func Interrupted() kernel.ContextSwitchReason {
	return kernel.ContextSwitchReason{Kind: kernel.SwitchInterrupted}
}

// Sequence returns a program that runs each step in turn and then yields
// forever. It starts over when the process is restarted with fresh state.
func Sequence(steps ...Program) Program {
	var owner *State
	i := 0
	return func(m *Machine) kernel.ContextSwitchReason {
		if m.State != owner {
			owner, i = m.State, 0
		}
		if i >= len(steps) {
			return Yield()
		}
		s := steps[i]
		i++
		return s(m)
	}
}

// Trap returns a step that traps with r.
func Trap(r kernel.ContextSwitchReason) Program {
	return func(*Machine) kernel.ContextSwitchReason { return r }
}

// Loop returns a program that runs each step in turn and then yields, and
// does so again every time it is entered. Callbacks use it: each delivery
// runs the whole body once.
func Loop(steps ...Program) Program {
	var owner *State
	i := 0
	return func(m *Machine) kernel.ContextSwitchReason {
		if m.State != owner {
			owner, i = m.State, 0
		}
		if i >= len(steps) {
			i = 0
			return Yield()
		}
		s := steps[i]
		i++
		return s(m)
	}
}
