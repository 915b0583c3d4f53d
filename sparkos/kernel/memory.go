package kernel

import (
	"fmt"
	"math"
)

// Brk moves the app break to newBreak and returns the old break. The break
// may shrink, but never below memory the app has shared with the kernel.
func (p *Process) Brk(newBreak Addr) (Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brkLocked(newBreak)
}

func (p *Process) brkLocked(newBreak Addr) (Addr, error) {
	if !p.isActiveLocked() {
		return 0, ErrInactiveApp
	}
	if newBreak < p.allowHighWater || newBreak >= p.mem.End() {
		return 0, fmt.Errorf("%w: break 0x%08x", ErrAddressOutOfBounds, newBreak)
	}
	if newBreak >= p.kernelBreak {
		return 0, fmt.Errorf("%w: break 0x%08x meets kernel memory at 0x%08x", ErrOutOfMemory, newBreak, p.kernelBreak)
	}
	if err := p.k.mpu.UpdateAppMemoryRegion(newBreak, p.kernelBreak, PermReadWriteOnly, p.mpuConfig); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	p.k.mpu.Configure(p.mpuConfig, p.id)
	old := p.appBreak
	p.appBreak = newBreak
	return old, nil
}

// Sbrk moves the app break by inc bytes and returns the old break.
func (p *Process) Sbrk(inc int32) (Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return 0, ErrInactiveApp
	}
	next := int64(p.appBreak) + int64(inc)
	if next < 0 || next > math.MaxUint32 {
		return 0, fmt.Errorf("%w: sbrk %d", ErrAddressOutOfBounds, inc)
	}
	return p.brkLocked(Addr(next))
}

// AppSlice is a buffer the app has shared with the kernel.
type AppSlice struct {
	owner ProcessID
	start Addr
	buf   []byte
}

// Owner is the process that shared the buffer.
func (s *AppSlice) Owner() ProcessID { return s.owner }
func (s *AppSlice) Start() Addr      { return s.start }
func (s *AppSlice) Len() int         { return len(s.buf) }

// Bytes is a view of the app memory backing the slice.
func (s *AppSlice) Bytes() []byte { return s.buf }

// Allow checks that [start, start+size) is app memory and returns a handle
// to it. A zero start detaches any buffer and returns nil.
func (p *Process) Allow(start Addr, size uint32) (*AppSlice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return nil, ErrInactiveApp
	}
	if start == 0 {
		return nil, nil
	}
	if !p.inAppOwnedMemoryLocked(start, size) {
		return nil, fmt.Errorf("%w: allow [0x%08x+%d]", ErrAddressOutOfBounds, start, size)
	}
	end := start + Addr(size)
	if end > p.allowHighWater {
		p.allowHighWater = end
	}
	off := uint32(start - p.mem.Start)
	return &AppSlice{owner: p.id, start: start, buf: p.mem.Bytes[off : off+size : off+size]}, nil
}

func (p *Process) inAppOwnedMemoryLocked(start Addr, size uint32) bool {
	end := uint64(start) + uint64(size)
	return start >= p.mem.Start && end <= uint64(p.appBreak)
}

// Alloc takes size bytes of kernel memory from the process, below the
// current kernel break and aligned down to align.
func (p *Process) Alloc(size, align uint32) (Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return 0, ErrInactiveApp
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("%w: alignment %d", ErrKernel, align)
	}
	if size > uint32(p.kernelBreak) {
		return 0, fmt.Errorf("%w: alloc %d", ErrOutOfMemory, size)
	}
	newBreak := (p.kernelBreak - Addr(size)) &^ Addr(align-1)
	if newBreak < p.appBreak {
		return 0, fmt.Errorf("%w: alloc %d crosses app break", ErrOutOfMemory, size)
	}
	if err := p.k.mpu.UpdateAppMemoryRegion(p.appBreak, newBreak, PermReadWriteOnly, p.mpuConfig); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrOutOfMemory, err)
	}
	p.kernelBreak = newBreak
	return newBreak, nil
}

func (p *Process) grantSlotLocked(i int) ([]byte, bool) {
	if i < 0 || i >= p.k.GrantCount() {
		return nil, false
	}
	off := p.mem.Len() - uint32(i+1)*PointerSize
	return p.mem.Bytes[off : off+PointerSize], true
}

// GrantPointer returns grant i's pointer, zero if the grant has no memory
// yet. It fails for an inactive process or an unknown grant.
func (p *Process) GrantPointer(i int) (Addr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return 0, false
	}
	slot, ok := p.grantSlotLocked(i)
	if !ok {
		return 0, false
	}
	return readPointer(slot), true
}

// SetGrantPointer stores grant i's pointer.
func (p *Process) SetGrantPointer(i int, ptr Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot, ok := p.grantSlotLocked(i); ok {
		writePointer(slot, ptr)
	}
}

func (p *Process) clearGrantPointersLocked() {
	n := uint32(p.k.GrantCount()) * PointerSize
	clear(p.mem.Bytes[p.mem.Len()-n:])
}

// KernelMemory returns the kernel-owned bytes [ptr, ptr+size).
func (p *Process) KernelMemory(ptr Addr, size uint32) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.isActiveLocked() {
		return nil, false
	}
	if ptr < p.kernelBreak || !p.mem.Contains(ptr, size) {
		return nil, false
	}
	off := uint32(ptr - p.mem.Start)
	return p.mem.Bytes[off : off+size : off+size], true
}
