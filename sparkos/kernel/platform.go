package kernel

import "io"

// Addr is an address on the target bus.
type Addr uint32

// Permissions for an MPU region, from the process's point of view.
type Permissions uint8

const (
	PermReadWriteExecute Permissions = iota
	PermReadWriteOnly
	PermReadExecuteOnly
	PermReadOnly
	PermExecuteOnly
)

func (p Permissions) String() string {
	switch p {
	case PermReadWriteExecute:
		return "RWX"
	case PermReadWriteOnly:
		return "RW-"
	case PermReadExecuteOnly:
		return "R-X"
	case PermReadOnly:
		return "R--"
	case PermExecuteOnly:
		return "--X"
	default:
		return "???"
	}
}

// Region is a memory range handed out by the MPU.
type Region struct {
	Start Addr
	Size  uint32
}

// Empty reports whether r is the zero region.
func (r Region) Empty() bool { return r.Size == 0 }

// MPUConfig is per-process MPU state. Its shape belongs to the MPU.
type MPUConfig interface {
	String() string
}

// MPU is the memory protection unit the kernel isolates processes with.
type MPU interface {
	// NewConfig returns an empty per-process configuration.
	NewConfig() MPUConfig

	// AllocateRegion places a region of at least minSize bytes inside
	// [unallocStart, unallocStart+unallocSize).
	AllocateRegion(unallocStart Addr, unallocSize, minSize uint32, perms Permissions, cfg MPUConfig) (Region, bool)

	// AllocateAppMemoryRegion places the process memory region. The returned
	// block holds at least minTotal bytes, initialApp of them accessible to
	// the app from the start and initialKernel reserved at the top.
	AllocateAppMemoryRegion(unallocStart Addr, unallocSize, minTotal, initialApp, initialKernel uint32, perms Permissions, cfg MPUConfig) (start Addr, size uint32, ok bool)

	// UpdateAppMemoryRegion moves the accessible extent of the process memory
	// region to end at appBreak.
	UpdateAppMemoryRegion(appBreak, kernelBreak Addr, perms Permissions, cfg MPUConfig) error

	// Configure loads cfg into the hardware for process id.
	Configure(cfg MPUConfig, id ProcessID)
}

// StoredState is the architecture's saved register state for one process.
type StoredState any

// SwitchKind says why control came back from a process.
type SwitchKind uint8

const (
	SwitchSyscallFired SwitchKind = iota
	SwitchFault
	SwitchTimesliceExpired
	SwitchInterrupted
)

func (k SwitchKind) String() string {
	switch k {
	case SwitchSyscallFired:
		return "syscall"
	case SwitchFault:
		return "fault"
	case SwitchTimesliceExpired:
		return "timeslice expired"
	case SwitchInterrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// ContextSwitchReason is returned by a switch to a process.
type ContextSwitchReason struct {
	Kind    SwitchKind
	Syscall Syscall // valid for SwitchSyscallFired
}

// UserspaceKernelBoundary moves the CPU between the kernel and a process.
type UserspaceKernelBoundary interface {
	// InitialProcessAppBrkSize is the memory a process needs before it runs.
	InitialProcessAppBrkSize() uint32

	NewStoredState() StoredState
	InitializeProcess(memStart, appBreak Addr, state StoredState) error
	SetSyscallReturnValue(memStart, appBreak Addr, state StoredState, value int32) error
	SetProcessFunction(memStart, appBreak Addr, state StoredState, call FunctionCall) error

	// SwitchToProcess runs the process until it traps back. The returned
	// stack pointer is valid when ok is true.
	SwitchToProcess(memStart, appBreak Addr, state StoredState) (reason ContextSwitchReason, sp Addr, ok bool)

	PrintContext(memStart, appBreak Addr, state StoredState, w io.Writer)
}

// Timer bounds how long a process runs before the scheduler gets control back.
type Timer interface {
	Start(quantumUS uint32)
	Expired() bool
	Reset()
}

// Platform bundles the per-target collaborators.
type Platform struct {
	MPU      MPU
	Boundary UserspaceKernelBoundary
	Timer    Timer // optional
}
