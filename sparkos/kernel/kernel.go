package kernel

import (
	"fmt"
	"sync"
	"sync/atomic"

	"ember/hal"
)

const (
	// DefaultMaxProcesses is the process table size when Config leaves it zero.
	DefaultMaxProcesses = 4

	// PointerSize is the width of one grant table entry.
	PointerSize = 4

	// TaskQueueLen is the number of tasks a process can have pending.
	TaskQueueLen = 10

	// TaskSlotBytes is the kernel memory reserved per queued task.
	TaskSlotBytes = 32

	// TaskBufferBytes is the kernel memory reserved for the task queue.
	TaskBufferBytes = TaskQueueLen * TaskSlotBytes

	// ControlBlockBytes is the kernel memory reserved for the process control block.
	ControlBlockBytes = 256

	// MaxMPURegions is the number of extra MPU regions a process can add.
	MaxMPURegions = 6

	// DefaultQuantumUS is the scheduler timeslice when Config leaves it zero.
	DefaultQuantumUS = 10000
)

// StorageLocation is a flash range every process may read.
type StorageLocation struct {
	Address Addr
	Size    uint32
}

// Config tunes a Kernel.
type Config struct {
	MaxProcesses int
	Logger       hal.Logger

	// DebugLoadProcesses logs every image seen during discovery.
	DebugLoadProcesses bool
	// TraceSyscalls logs memop calls and callback purges.
	TraceSyscalls bool

	StorageLocations []StorageLocation
	QuantumUS        uint32

	// PanicHandler is called at most once, on the first Halt.
	PanicHandler func(PanicInfo)
}

// Kernel owns the process table and the state every process shares.
//
// A Kernel is built once with New and passed to whatever needs it; there is
// no package-level instance.
type Kernel struct {
	cfg Config
	mpu MPU
	ukb UserspaceKernelBoundary
	tmr Timer

	procs []*Process
	rr    int

	work   workCounter
	nextID atomic.Uint32

	grantMu        sync.Mutex
	grantNames     []string
	grantFinalized bool

	drivers map[uint32]Driver
	ipc     IPCHandler

	halted    atomic.Bool
	panicOnce sync.Once
}

// New creates a kernel for the given platform.
func New(cfg Config, plat Platform) *Kernel {
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = DefaultMaxProcesses
	}
	if cfg.QuantumUS == 0 {
		cfg.QuantumUS = DefaultQuantumUS
	}
	return &Kernel{
		cfg:     cfg,
		mpu:     plat.MPU,
		ukb:     plat.Boundary,
		tmr:     plat.Timer,
		procs:   make([]*Process, cfg.MaxProcesses),
		drivers: make(map[uint32]Driver),
	}
}

// ProcessID names one incarnation of the process in a table slot. A restart
// keeps Index and replaces Identifier.
type ProcessID struct {
	Index      int
	Identifier uint32
}

func (id ProcessID) String() string { return fmt.Sprintf("%d:%d", id.Index, id.Identifier) }

func (k *Kernel) newIdentifier() uint32 { return k.nextID.Add(1) - 1 }

// workCounter counts running processes plus queued tasks.
type workCounter struct {
	n atomic.Int64
}

func (w *workCounter) increment()  { w.n.Add(1) }
func (w *workCounter) decrement()  { w.n.Add(-1) }
func (w *workCounter) load() int64 { return w.n.Load() }

// Work is the amount of pending work across all processes.
func (k *Kernel) Work() int64 { return k.work.load() }

// ProcessesBlocked reports whether there is nothing to schedule.
func (k *Kernel) ProcessesBlocked() bool { return k.work.load() == 0 }

// Processes returns the occupied table slots in index order.
func (k *Kernel) Processes() []*Process {
	out := make([]*Process, 0, len(k.procs))
	for _, p := range k.procs {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Lookup finds the live incarnation named by id.
func (k *Kernel) Lookup(id ProcessID) (*Process, error) {
	if id.Index < 0 || id.Index >= len(k.procs) {
		return nil, ErrNoSuchApp
	}
	p := k.procs[id.Index]
	if p == nil || p.ID() != id {
		return nil, ErrNoSuchApp
	}
	return p, nil
}

// ProcessByName returns the first process with the given package name.
func (k *Kernel) ProcessByName(name string) (*Process, bool) {
	for _, p := range k.procs {
		if p != nil && p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// CreateGrant registers a grant. Grants must be created before the first
// process is loaded.
func (k *Kernel) CreateGrant(name string) (*Grant, error) {
	k.grantMu.Lock()
	defer k.grantMu.Unlock()
	if k.grantFinalized {
		return nil, fmt.Errorf("%w: %s", ErrGrantsFinalized, name)
	}
	g := &Grant{k: k, index: len(k.grantNames), name: name}
	k.grantNames = append(k.grantNames, name)
	return g, nil
}

// GrantCount returns the number of grants and freezes the registry.
func (k *Kernel) GrantCount() int {
	k.grantMu.Lock()
	defer k.grantMu.Unlock()
	k.grantFinalized = true
	return len(k.grantNames)
}

func (k *Kernel) grantName(i int) string {
	k.grantMu.Lock()
	defer k.grantMu.Unlock()
	if i < 0 || i >= len(k.grantNames) {
		return ""
	}
	return k.grantNames[i]
}

func (k *Kernel) logf(format string, args ...any) {
	if k.cfg.Logger == nil {
		return
	}
	k.cfg.Logger.WriteLineString(fmt.Sprintf(format, args...))
}

func (k *Kernel) debugf(format string, args ...any) {
	if k.cfg.DebugLoadProcesses {
		k.logf(format, args...)
	}
}

func (k *Kernel) tracef(format string, args ...any) {
	if k.cfg.TraceSyscalls {
		k.logf(format, args...)
	}
}
