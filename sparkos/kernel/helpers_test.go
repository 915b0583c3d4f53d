package kernel_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"ember/sparkos/arch/cortexm"
	"ember/sparkos/arch/sim"
	"ember/sparkos/kernel"
	"ember/sparkos/tbf"
)

const (
	flashBase = kernel.Addr(0x0004_0000)
	ramBase   = kernel.Addr(0x2000_0000)
)

type lineLog struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLog) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, s)
}

func (l *lineLog) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *lineLog) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// flakyMPU fails app memory placement on demand.
type flakyMPU struct {
	*cortexm.MPU
	failApp bool
}

func (m *flakyMPU) AllocateAppMemoryRegion(unallocStart kernel.Addr, unallocSize, minTotal, initialApp, initialKernel uint32, perms kernel.Permissions, cfg kernel.MPUConfig) (kernel.Addr, uint32, bool) {
	if m.failApp {
		return 0, 0, false
	}
	return m.MPU.AllocateAppMemoryRegion(unallocStart, unallocSize, minTotal, initialApp, initialKernel, perms, cfg)
}

type harness struct {
	k      *kernel.Kernel
	mpu    *flakyMPU
	b      *sim.Boundary
	timer  *sim.Timer
	log    *lineLog
	panics []kernel.PanicInfo
}

func newHarness(t *testing.T, cfg kernel.Config, grants ...string) *harness {
	t.Helper()
	h := &harness{
		mpu:   &flakyMPU{MPU: cortexm.NewMPU()},
		timer: sim.NewTimer(),
		log:   &lineLog{},
	}
	h.b = sim.NewBoundary(sim.WithTimer(h.timer, 100))
	cfg.Logger = h.log
	cfg.PanicHandler = func(info kernel.PanicInfo) { h.panics = append(h.panics, info) }
	h.k = kernel.New(cfg, kernel.Platform{MPU: h.mpu, Boundary: h.b, Timer: h.timer})
	for _, name := range grants {
		_, err := h.k.CreateGrant(name)
		require.NoError(t, err)
	}
	return h
}

func app(t *testing.T, img tbf.Image) []byte {
	t.Helper()
	b, err := tbf.Encode(img)
	require.NoError(t, err)
	return b
}

func padding(t *testing.T, size uint32) []byte {
	t.Helper()
	b, err := tbf.EncodePadding(size)
	require.NoError(t, err)
	return b
}

// flashImage lays entries out back to back followed by erased flash.
func flashImage(entries ...[]byte) kernel.Span {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.Write(e)
	}
	buf.Write(bytes.Repeat([]byte{0xFF}, 64))
	return kernel.Span{Start: flashBase, Bytes: buf.Bytes()}
}

func ram(size int) kernel.Span {
	return kernel.Span{Start: ramBase, Bytes: make([]byte, size)}
}

// loadOne loads a single 8 KiB app with the given minimum RAM.
func (h *harness) loadOne(t *testing.T, name string, minRAM uint32, fault kernel.FaultResponse) *kernel.Process {
	t.Helper()
	flash := flashImage(app(t, tbf.Image{Name: name, TotalSize: 8192, InitFnOffset: 0x41, MinimumRAMSize: minRAM}))
	_, err := h.k.LoadProcesses(flash, ram(64*1024), fault)
	require.NoError(t, err)
	p, ok := h.k.ProcessByName(name)
	require.True(t, ok, "process %s not loaded", name)
	return p
}

func entryPC(p *kernel.Process) kernel.Addr { return p.FlashStart() + 0x41 }

func requireLayout(t *testing.T, p *kernel.Process) {
	t.Helper()
	memStart, appBreak, kernelBreak, memEnd := p.MemStart(), p.AppBreak(), p.KernelMemoryBreak(), p.MemEnd()
	require.True(t, memStart <= appBreak && appBreak <= kernelBreak && kernelBreak <= memEnd,
		"layout %#x <= %#x <= %#x <= %#x", memStart, appBreak, kernelBreak, memEnd)
}

func initialKernelMemory(grants int) uint32 {
	return uint32(grants)*kernel.PointerSize + kernel.TaskBufferBytes + kernel.ControlBlockBytes
}
