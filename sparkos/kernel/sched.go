package kernel

import "fmt"

// MemopDriver is the driver number of the kernel's own memop syscall.
const MemopDriver = 0

// Callback is a userspace function a driver can schedule.
type Callback struct {
	ID      CallbackID
	PC      Addr
	AppData uint32
}

// Schedule queues the callback on p with the given arguments.
func (c Callback) Schedule(p *Process, a0, a1, a2 uint32) bool {
	if c.PC == 0 {
		return false
	}
	return p.EnqueueTask(FunctionCall{
		Source: DriverSource(c.ID),
		Arg0:   a0,
		Arg1:   a1,
		Arg2:   a2,
		Arg3:   c.AppData,
		PC:     c.PC,
	})
}

// Driver serves syscalls for one driver number.
type Driver interface {
	Command(p *Process, cmd, arg0, arg1 uint32) ReturnCode
	Subscribe(p *Process, sub uint32, cb Callback) ReturnCode
	Allow(p *Process, sub uint32, slice *AppSlice) ReturnCode
}

// IPCHandler delivers an IPC notification to p.
type IPCHandler func(p *Process, req IPCRequest)

// RegisterDriver makes d answer syscalls for driver number num.
func (k *Kernel) RegisterDriver(num uint32, d Driver) error {
	if num == MemopDriver {
		return fmt.Errorf("%w: driver %d is reserved", ErrAlreadyInUse, num)
	}
	if _, ok := k.drivers[num]; ok {
		return fmt.Errorf("%w: driver %d", ErrAlreadyInUse, num)
	}
	k.drivers[num] = d
	return nil
}

// SetIPCHandler installs the IPC delivery hook.
func (k *Kernel) SetIPCHandler(fn IPCHandler) { k.ipc = fn }

// Step makes one scheduling decision: it picks the next ready process in
// round-robin order and either delivers its next task or runs it. It
// reports whether any process was ready. Stopped processes are passed over
// even with tasks queued.
func (k *Kernel) Step() bool {
	if k.Halted() {
		return false
	}
	n := len(k.procs)
	for i := 0; i < n; i++ {
		idx := (k.rr + i) % n
		p := k.procs[idx]
		if p == nil || !p.schedulable() {
			continue
		}
		k.rr = (idx + 1) % n
		k.runProcess(p)
		return true
	}
	return false
}

func (k *Kernel) runProcess(p *Process) {
	switch p.State() {
	case Running:
		p.SetupMPU()
		if k.tmr != nil {
			k.tmr.Start(k.cfg.QuantumUS)
		}
		reason, ok := p.SwitchTo()
		expired := false
		if k.tmr != nil {
			expired = k.tmr.Expired()
			k.tmr.Reset()
		}
		if !ok {
			return
		}
		switch reason.Kind {
		case SwitchFault:
			p.SetFaultState()
		case SwitchSyscallFired:
			k.handleSyscall(p, reason.Syscall)
		case SwitchTimesliceExpired:
			p.DebugTimesliceExpired()
		case SwitchInterrupted:
			if expired {
				p.DebugTimesliceExpired()
			}
		}

	case Unstarted, Yielded:
		t, ok := p.DequeueTask()
		if !ok {
			return
		}
		switch t := t.(type) {
		case FunctionCall:
			p.SetProcessFunction(t)
		case IPCRequest:
			if k.ipc != nil {
				k.ipc(p, t)
			}
		}
	}
}

func (k *Kernel) handleSyscall(p *Process, s Syscall) {
	p.DebugSyscallCalled(s)

	switch s.Class {
	case SyscallYield:
		p.SetYieldedState()

	case SyscallMemop:
		p.SetSyscallReturnValue(int32(k.memop(p, s.Sub, s.Arg0)))

	case SyscallSubscribe:
		d, ok := k.drivers[s.Driver]
		if !ok {
			p.SetSyscallReturnValue(int32(ENoDevice))
			return
		}
		id := CallbackID{Driver: s.Driver, Subscribe: s.Sub}
		p.RemovePendingCallbacks(id)
		rc := d.Subscribe(p, s.Sub, Callback{ID: id, PC: Addr(s.Arg0), AppData: s.Arg1})
		p.SetSyscallReturnValue(int32(rc))

	case SyscallCommand:
		d, ok := k.drivers[s.Driver]
		if !ok {
			p.SetSyscallReturnValue(int32(ENoDevice))
			return
		}
		p.SetSyscallReturnValue(int32(d.Command(p, s.Sub, s.Arg0, s.Arg1)))

	case SyscallAllow:
		d, ok := k.drivers[s.Driver]
		if !ok {
			p.SetSyscallReturnValue(int32(ENoDevice))
			return
		}
		slice, err := p.Allow(Addr(s.Arg0), s.Arg1)
		if err != nil {
			p.SetSyscallReturnValue(int32(ReturnCodeOf(err)))
			return
		}
		p.SetSyscallReturnValue(int32(d.Allow(p, s.Sub, slice)))

	default:
		p.SetSyscallReturnValue(int32(ENoSupport))
	}
}
