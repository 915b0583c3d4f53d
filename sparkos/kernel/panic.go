package kernel

import (
	"bytes"
	"fmt"
)

// PanicInfo describes why the kernel halted.
type PanicInfo struct {
	Process      string
	ID           ProcessID
	State        State
	RestartCount int
	Reason       string

	// Dump is the full process report at the time of the fault.
	Dump string
	// Stack is the kernel stack that called Halt.
	Stack []byte
}

func (info PanicInfo) String() string {
	return fmt.Sprintf("%s: process %q (%v) state=%s restarts=%d", info.Reason, info.Process, info.ID, info.State, info.RestartCount)
}

// Halted reports whether the kernel has panicked.
func (k *Kernel) Halted() bool {
	return k.halted.Load()
}

// Halt stops the kernel. Only the first call reaches the panic handler;
// Step does nothing afterwards.
func (k *Kernel) Halt(info PanicInfo) {
	k.panicOnce.Do(func() {
		k.halted.Store(true)
		info.Stack = captureStack()
		k.logf("kernel panic: %v", info)
		if fn := k.cfg.PanicHandler; fn != nil {
			fn(info)
		}
	})
}

func (p *Process) panicInfo(reason string) PanicInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.panicInfoLocked(reason)
}

func (p *Process) panicInfoLocked(reason string) PanicInfo {
	var buf bytes.Buffer
	p.printFullProcessLocked(&buf)
	return PanicInfo{
		Process:      p.name,
		ID:           p.id,
		State:        p.state.get(),
		RestartCount: p.restartCount,
		Reason:       reason,
		Dump:         buf.String(),
	}
}
