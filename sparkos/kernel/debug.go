package kernel

// processDebug holds diagnostics for one process. Everything except the
// fixed addresses is per incarnation.
type processDebug struct {
	fixedRAM      Addr
	hasFixedRAM   bool
	fixedFlash    Addr
	hasFixedFlash bool

	appHeapStart  Addr
	appStackStart Addr
	appStackMin   Addr

	syscalls             uint64
	lastSyscall          Syscall
	hasLastSyscall       bool
	droppedTasks         uint64
	timesliceExpirations uint64
	faults               uint64
}

func (d *processDebug) reset() {
	*d = processDebug{
		fixedRAM:      d.fixedRAM,
		hasFixedRAM:   d.hasFixedRAM,
		fixedFlash:    d.fixedFlash,
		hasFixedFlash: d.hasFixedFlash,
		appStackMin:   ^Addr(0),
		faults:        d.faults,
	}
}

// DebugSyscallCalled records a syscall made by the process.
func (p *Process) DebugSyscallCalled(s Syscall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debug.syscalls++
	p.debug.lastSyscall = s
	p.debug.hasLastSyscall = true
}

// DebugTimesliceExpired records that the process used up its timeslice.
func (p *Process) DebugTimesliceExpired() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.debug.timesliceExpirations++
}

// Stats is a snapshot of a process's counters.
type Stats struct {
	Syscalls             uint64
	DroppedTasks         uint64
	TimesliceExpirations uint64
	Faults               uint64
	RestartCount         int
	LastSyscall          *Syscall
	HeapStart            Addr
	StackStart           Addr
	StackMin             Addr
}

func (p *Process) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Syscalls:             p.debug.syscalls,
		DroppedTasks:         p.debug.droppedTasks,
		TimesliceExpirations: p.debug.timesliceExpirations,
		Faults:               p.debug.faults,
		RestartCount:         p.restartCount,
		HeapStart:            p.debug.appHeapStart,
		StackStart:           p.debug.appStackStart,
		StackMin:             p.debug.appStackMin,
	}
	if p.debug.hasLastSyscall {
		last := p.debug.lastSyscall
		s.LastSyscall = &last
	}
	return s
}
