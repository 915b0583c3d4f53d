package kernel

import (
	"sync"

	"ember/sparkos/tbf"
)

// Process is one slot of the process table: an app image, the RAM it owns
// and its run state.
//
// Methods are safe to call from driver callbacks running concurrently with
// the scheduler.
type Process struct {
	k  *Kernel
	mu sync.Mutex

	id     ProcessID
	name   string
	header *tbf.Header

	flash Span
	mem   Span

	// mem.Start <= appBreak <= kernelBreak <= mem.End()
	appBreak       Addr
	kernelBreak    Addr
	allowHighWater Addr

	state         stateCell
	faultResponse FaultResponse
	restartCount  int

	mpuConfig  MPUConfig
	mpuRegions [MaxMPURegions]Region
	stored     StoredState

	tasks taskQueue
	debug processDebug
}

func (p *Process) ID() ProcessID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Process) Name() string { return p.name }

// Kernel returns the kernel the process belongs to.
func (p *Process) Kernel() *Kernel { return p.k }

func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.get()
}

func (p *Process) RestartCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restartCount
}

// FaultResponse returns what the kernel does when the process faults.
func (p *Process) FaultResponse() FaultResponse { return p.faultResponse }

func (p *Process) isActiveLocked() bool {
	s := p.state.get()
	return s != Fault && s != StoppedFaulted
}

// IsActive reports whether the process can take new work or memory.
func (p *Process) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isActiveLocked()
}

// EntryPoint is the address the entry call starts the process at.
func (p *Process) EntryPoint() Addr { return p.flash.Start + Addr(p.header.InitFnOffset()) }

func (p *Process) entryCall() FunctionCall {
	return FunctionCall{
		Source: KernelSource(),
		PC:     p.EntryPoint(),
		Arg0:   uint32(p.flash.Start) + p.header.ProtectedSize(),
		Arg1:   uint32(p.mem.Start),
		Arg2:   p.mem.Len(),
		Arg3:   uint32(p.appBreak),
	}
}

// EnqueueTask queues t for the process. It fails if the process is
// inactive or its queue is full; a full queue counts a dropped task.
func (p *Process) EnqueueTask(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return false
	}
	if !p.tasks.push(t) {
		p.debug.droppedTasks++
		return false
	}
	p.k.work.increment()
	return true
}

// DequeueTask pops the oldest task.
func (p *Process) DequeueTask() (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks.pop()
	if ok {
		p.k.work.decrement()
	}
	return t, ok
}

// PendingTasks is the number of queued tasks.
func (p *Process) PendingTasks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.len()
}

// RemovePendingCallbacks drops every queued driver callback for id and
// returns how many were dropped. Kernel-issued calls are kept.
func (p *Process) RemovePendingCallbacks(id CallbackID) int {
	p.mu.Lock()
	n := p.tasks.retain(func(t Task) bool {
		fc, ok := t.(FunctionCall)
		if !ok || fc.Source.Kind != SourceDriver {
			return true
		}
		return fc.Source.Callback != id
	})
	for i := 0; i < n; i++ {
		p.k.work.decrement()
	}
	p.mu.Unlock()
	if n > 0 {
		p.k.tracef("[%s] removed %d pending callbacks for %d/%d", p.name, n, id.Driver, id.Subscribe)
	}
	return n
}

// Ready reports whether the scheduler has something to do for the process.
func (p *Process) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tasks.len() > 0 || p.state.get() == Running
}

// schedulable is Ready minus the stopped states, which keep their queued
// tasks until resumed.
func (p *Process) schedulable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.get() {
	case StoppedRunning, StoppedYielded, StoppedFaulted:
		return false
	}
	return p.tasks.len() > 0 || p.state.get() == Running
}

// SetYieldedState moves a running process to Yielded.
func (p *Process) SetYieldedState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state.get() == Running {
		p.state.update(Yielded)
	}
}

// Stop pauses a running or yielded process. Other states are left alone.
func (p *Process) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.get() {
	case Running:
		p.state.update(StoppedRunning)
	case Yielded:
		p.state.update(StoppedYielded)
	}
}

// Resume undoes Stop.
func (p *Process) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state.get() {
	case StoppedRunning:
		p.state.update(Running)
	case StoppedYielded:
		p.state.update(Yielded)
	}
}

// terminateLocked drops queued work and grant state and freezes the process.
func (p *Process) terminateLocked() {
	for p.tasks.len() > 0 {
		p.tasks.pop()
		p.k.work.decrement()
	}
	p.tasks.clear()
	p.clearGrantPointersLocked()
	p.state.update(StoppedFaulted)
}

// Memory layout accessors.

func (p *Process) MemStart() Addr   { return p.mem.Start }
func (p *Process) MemEnd() Addr     { return p.mem.End() }
func (p *Process) FlashStart() Addr { return p.flash.Start }
func (p *Process) FlashEnd() Addr   { return p.flash.End() }

// FlashNonProtectedStart is the first flash address the app itself owns.
func (p *Process) FlashNonProtectedStart() Addr {
	return p.flash.Start + Addr(p.header.ProtectedSize())
}

func (p *Process) AppBreak() Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.appBreak
}

func (p *Process) KernelMemoryBreak() Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kernelBreak
}

func (p *Process) AllowHighWaterMark() Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowHighWater
}

func (p *Process) NumberWriteableFlashRegions() int {
	return p.header.NumberWriteableFlashRegions()
}

// WriteableFlashRegion returns the absolute start and size of region i, or
// zeros if there is no such region.
func (p *Process) WriteableFlashRegion(i int) (Addr, uint32) {
	r := p.header.WriteableFlashRegion(i)
	if r.Size == 0 {
		return 0, 0
	}
	return p.flash.Start + Addr(r.Offset), r.Size
}

func (p *Process) NumberStorageLocations() int { return len(p.k.cfg.StorageLocations) }

// StorageLocation returns storage location i.
func (p *Process) StorageLocation(i int) (StorageLocation, bool) {
	if i < 0 || i >= len(p.k.cfg.StorageLocations) {
		return StorageLocation{}, false
	}
	return p.k.cfg.StorageLocations[i], true
}

// FitsInStorageLocation reports whether [ptr, ptr+n) lies in one storage
// location.
func (p *Process) FitsInStorageLocation(ptr Addr, n uint32) bool {
	for _, loc := range p.k.cfg.StorageLocations {
		if ptr >= loc.Address && uint64(ptr)+uint64(n) <= uint64(loc.Address)+uint64(loc.Size) {
			return true
		}
	}
	return false
}

// UpdateStackStartPointer records where the app put its stack.
func (p *Process) UpdateStackStartPointer(sp Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sp >= p.mem.Start && sp < p.mem.End() {
		p.debug.appStackStart = sp
		p.debug.appStackMin = sp
	}
}

// UpdateHeapStartPointer records where the app put its heap.
func (p *Process) UpdateHeapStartPointer(hp Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if hp >= p.mem.Start && hp < p.mem.End() {
		p.debug.appHeapStart = hp
	}
}

// SetupMPU loads the process MPU config into the hardware.
func (p *Process) SetupMPU() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.k.mpu.Configure(p.mpuConfig, p.id)
}

// AddMPURegion gives the process access to an extra region inside
// [unallocStart, unallocStart+unallocSize). It fails when all handles are in
// use.
func (p *Process) AddMPURegion(unallocStart Addr, unallocSize, minSize uint32) (Region, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.mpuRegions {
		if !p.mpuRegions[i].Empty() {
			continue
		}
		r, ok := p.k.mpu.AllocateRegion(unallocStart, unallocSize, minSize, PermReadWriteOnly, p.mpuConfig)
		if !ok {
			return Region{}, false
		}
		p.mpuRegions[i] = r
		return r, true
	}
	return Region{}, false
}

// MPURegions returns the extra regions currently held.
func (p *Process) MPURegions() []Region {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Region
	for _, r := range p.mpuRegions {
		if !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}

// SetSyscallReturnValue hands v back to the process. Failure faults it.
func (p *Process) SetSyscallReturnValue(v int32) {
	p.mu.Lock()
	if !p.isActiveLocked() {
		p.mu.Unlock()
		return
	}
	err := p.k.ukb.SetSyscallReturnValue(p.mem.Start, p.appBreak, p.stored, v)
	p.mu.Unlock()
	if err != nil {
		p.k.logf("[%s] cannot set syscall return value: %v", p.name, err)
		p.SetFaultState()
	}
}

// SetProcessFunction arranges for the process to run call next and marks it
// Running. Failure faults it.
func (p *Process) SetProcessFunction(call FunctionCall) {
	p.mu.Lock()
	if !p.isActiveLocked() {
		p.mu.Unlock()
		return
	}
	err := p.k.ukb.SetProcessFunction(p.mem.Start, p.appBreak, p.stored, call)
	if err == nil {
		p.state.update(Running)
	}
	p.mu.Unlock()
	if err != nil {
		p.k.logf("[%s] cannot push function call: %v", p.name, err)
		p.SetFaultState()
	}
}

// SwitchTo runs the process until it returns to the kernel.
func (p *Process) SwitchTo() (ContextSwitchReason, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return ContextSwitchReason{}, false
	}
	reason, sp, ok := p.k.ukb.SwitchToProcess(p.mem.Start, p.appBreak, p.stored)
	if ok && sp < p.debug.appStackMin && sp >= p.mem.Start {
		p.debug.appStackMin = sp
	}
	return reason, true
}
