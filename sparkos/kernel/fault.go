package kernel

import "fmt"

// FaultAction is what the kernel does to a faulted process.
type FaultAction uint8

const (
	// FaultPanic halts the whole kernel.
	FaultPanic FaultAction = iota
	// FaultStop freezes the process in StoppedFaulted.
	FaultStop
	// FaultRestart tears the process down and asks a RestartPolicy whether to
	// start it again.
	FaultRestart
)

func (a FaultAction) String() string {
	switch a {
	case FaultPanic:
		return "panic"
	case FaultStop:
		return "stop"
	case FaultRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// FaultResponse is the configured reaction to a process fault.
type FaultResponse struct {
	Action FaultAction
	Policy RestartPolicy // used by FaultRestart
}

func PanicOnFault() FaultResponse { return FaultResponse{Action: FaultPanic} }
func StopOnFault() FaultResponse  { return FaultResponse{Action: FaultStop} }

// RestartOnFault restarts faulted processes when policy allows it.
func RestartOnFault(policy RestartPolicy) FaultResponse {
	return FaultResponse{Action: FaultRestart, Policy: policy}
}

func (r FaultResponse) String() string {
	if r.Action == FaultRestart && r.Policy != nil {
		return fmt.Sprintf("restart(%v)", r.Policy)
	}
	return r.Action.String()
}

// RestartPolicy decides whether a faulted process is started again. The
// process's restart count already includes the restart being decided.
type RestartPolicy interface {
	ShouldRestart(p *Process) bool
}

// AlwaysRestart restarts every time.
type AlwaysRestart struct{}

func (AlwaysRestart) ShouldRestart(*Process) bool { return true }
func (AlwaysRestart) String() string              { return "always" }

// ThresholdRestart restarts until the restart count passes Threshold.
type ThresholdRestart struct {
	Threshold int
}

func (t ThresholdRestart) ShouldRestart(p *Process) bool {
	return p.RestartCount() <= t.Threshold
}

func (t ThresholdRestart) String() string { return fmt.Sprintf("threshold %d", t.Threshold) }

// ThresholdRestartThenPanic restarts until the restart count passes
// Threshold and then halts the kernel.
type ThresholdRestartThenPanic struct {
	Threshold int
}

func (t ThresholdRestartThenPanic) ShouldRestart(p *Process) bool {
	if p.RestartCount() <= t.Threshold {
		return true
	}
	p.k.Halt(p.panicInfo("restart threshold passed"))
	return false
}

func (t ThresholdRestartThenPanic) String() string {
	return fmt.Sprintf("threshold %d then panic", t.Threshold)
}

// SetFaultState marks the process faulted and applies its fault response.
func (p *Process) SetFaultState() {
	p.mu.Lock()
	p.state.update(Fault)
	p.debug.faults++
	p.k.logf("[%s] fault (%s)", p.name, p.faultResponse)

	switch p.faultResponse.Action {
	case FaultStop:
		p.terminateLocked()
		p.mu.Unlock()

	case FaultRestart:
		p.terminateLocked()
		p.restartCount++
		p.mu.Unlock()
		if p.faultResponse.Policy == nil || !p.faultResponse.Policy.ShouldRestart(p) {
			p.k.logf("[%s] restart refused (count %d)", p.name, p.RestartCount())
			return
		}
		if p.k.Halted() {
			return
		}
		p.mu.Lock()
		p.restartLocked()
		p.mu.Unlock()

	default:
		info := p.panicInfoLocked("process faulted")
		p.mu.Unlock()
		p.k.Halt(info)
	}
}

// Restart tears the process down and starts it again from its entry point,
// whatever its state. It counts as a restart.
func (p *Process) Restart() error {
	if p.k.Halted() {
		return ErrKernel
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminateLocked()
	p.restartCount++
	if !p.restartLocked() {
		return fmt.Errorf("%w: restart %s failed", ErrKernel, p.name)
	}
	return nil
}

// restartLocked rebuilds the process in its own memory. Every step is
// computed before anything is committed; on failure the process stays
// StoppedFaulted exactly as terminate left it.
func (p *Process) restartLocked() bool {
	k := p.k

	cfg := k.mpu.NewConfig()
	if _, ok := k.mpu.AllocateRegion(p.flash.Start, p.flash.Len(), p.flash.Len(), PermReadExecuteOnly, cfg); !ok {
		k.logf("[%s] restart: cannot map flash", p.name)
		return false
	}
	if !k.mapStorageLocations(cfg) {
		k.logf("[%s] restart: cannot map storage locations", p.name)
		return false
	}

	bootstrap := k.ukb.InitialProcessAppBrkSize()
	start, size, ok := k.mpu.AllocateAppMemoryRegion(p.mem.Start, p.mem.Len(), p.mem.Len(), bootstrap, k.initialKernelMemorySize(), PermReadWriteOnly, cfg)
	if !ok || start != p.mem.Start || size != p.mem.Len() {
		k.logf("[%s] restart: cannot map memory", p.name)
		return false
	}
	appBreak, kernelBreak, err := k.resetMemory(p.mem, cfg)
	if err != nil {
		k.logf("[%s] restart: %v", p.name, err)
		return false
	}

	stored := k.ukb.NewStoredState()
	if err := k.ukb.InitializeProcess(p.mem.Start, appBreak, stored); err != nil {
		k.logf("[%s] restart: initialize: %v", p.name, err)
		return false
	}

	p.id = ProcessID{Index: p.id.Index, Identifier: k.newIdentifier()}
	p.debug.reset()
	p.appBreak = appBreak
	p.kernelBreak = kernelBreak
	p.allowHighWater = p.mem.Start
	p.mpuConfig = cfg
	p.mpuRegions = [MaxMPURegions]Region{}
	p.stored = stored
	p.state.update(Unstarted)
	p.tasks.push(p.entryCall())
	k.work.increment()

	k.logf("[%s] restarted as %v (restart %d)", p.name, p.id, p.restartCount)
	return true
}
