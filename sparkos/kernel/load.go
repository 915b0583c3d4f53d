package kernel

import (
	"encoding/binary"
	"errors"
	"fmt"

	"ember/sparkos/tbf"
)

// Span is a byte buffer mapped at a bus address.
type Span struct {
	Start Addr
	Bytes []byte
}

func (s Span) Len() uint32 { return uint32(len(s.Bytes)) }
func (s Span) End() Addr   { return s.Start + Addr(len(s.Bytes)) }

// Contains reports whether [a, a+n) lies inside s.
func (s Span) Contains(a Addr, n uint32) bool {
	if a < s.Start {
		return false
	}
	end := uint64(a) + uint64(n)
	return end <= uint64(s.End())
}

func (s Span) slice(off, n uint32) Span {
	return Span{Start: s.Start + Addr(off), Bytes: s.Bytes[off : off+n : off+n]}
}

func (s Span) from(off uint32) Span {
	return Span{Start: s.Start + Addr(off), Bytes: s.Bytes[off:]}
}

// LoadProcesses walks the app images in flash and creates a process for
// each enabled one, carving its memory out of ram. Discovery ends cleanly on
// erased flash or when fewer than eight bytes remain. The RAM no process
// took is returned.
//
// A failure to create one process does not stop discovery; all such errors
// are returned joined. Running out of flash in the middle of an entry ends
// discovery with ErrNotEnoughFlash.
func (k *Kernel) LoadProcesses(flash, ram Span, fault FaultResponse) (Span, error) {
	// Freeze the grant registry before any grant table is sized.
	k.GrantCount()

	var errs []error
	remainingFlash, remainingRAM := flash, ram

	for i := range k.procs {
		if remainingFlash.Len() < 8 {
			break
		}
		var head [8]byte
		copy(head[:], remainingFlash.Bytes[:8])

		version, headerLen, entryLen, err := tbf.ParseLengths(head)
		if err != nil {
			var inv *tbf.InvalidHeaderError
			if !errors.As(err, &inv) {
				k.debugf("load: no more apps at 0x%08x", remainingFlash.Start)
				break
			}
			k.debugf("load: invalid header at 0x%08x, skipping %d bytes", remainingFlash.Start, inv.Length)
			version, headerLen, entryLen = 0, 0, inv.Length
		}
		if entryLen == 0 {
			k.debugf("load: zero length entry at 0x%08x", remainingFlash.Start)
			break
		}
		if entryLen > remainingFlash.Len() {
			errs = append(errs, fmt.Errorf("slot %d at 0x%08x: %w", i, remainingFlash.Start, ErrNotEnoughFlash))
			break
		}

		entry := remainingFlash.slice(0, entryLen)
		remainingFlash = remainingFlash.from(entryLen)
		if headerLen == 0 {
			continue
		}

		p, leftover, err := k.createProcess(entry, version, uint32(headerLen), remainingRAM, fault, i)
		if err != nil {
			k.logf("load: app at 0x%08x: %v", entry.Start, err)
			errs = append(errs, fmt.Errorf("slot %d at 0x%08x: %w", i, entry.Start, err))
			continue
		}
		remainingRAM = leftover
		if p == nil {
			continue
		}
		k.procs[i] = p
		k.debugf("load: [%d] %s flash=[0x%08x:0x%08x] ram=[0x%08x:0x%08x]",
			i, p.name, p.flash.Start, p.flash.End(), p.mem.Start, p.mem.End())
	}
	return remainingRAM, errors.Join(errs...)
}

// initialKernelMemorySize is the kernel memory reserved at the top of every
// process: the grant table, the task buffer and the control block.
func (k *Kernel) initialKernelMemorySize() uint32 {
	return uint32(k.GrantCount())*PointerSize + TaskBufferBytes + ControlBlockBytes
}

// createProcess builds the process for one flash entry. It returns a nil
// process and the untouched ram when the entry is padding or disabled.
func (k *Kernel) createProcess(entry Span, version uint16, headerLen uint32, ram Span, fault FaultResponse, index int) (*Process, Span, error) {
	hdr, err := tbf.ParseHeader(entry.Bytes[:headerLen], version)
	if err != nil {
		return nil, ram, &HeaderParseError{Err: err}
	}

	if fixed, ok := hdr.FixedAddressFlash(); ok {
		actual := entry.Start + Addr(hdr.ProtectedSize())
		if actual != Addr(fixed) {
			return nil, ram, &IncorrectFlashAddressError{Actual: actual, Expected: Addr(fixed)}
		}
	}

	if !hdr.IsApp() {
		k.debugf("load: padding at 0x%08x (%d bytes)", entry.Start, entry.Len())
		return nil, ram, nil
	}
	if !hdr.Enabled() {
		k.debugf("load: %s at 0x%08x is disabled", hdr.PackageName(), entry.Start)
		return nil, ram, nil
	}

	cfg := k.mpu.NewConfig()
	if _, ok := k.mpu.AllocateRegion(entry.Start, entry.Len(), entry.Len(), PermReadExecuteOnly, cfg); !ok {
		return nil, ram, fmt.Errorf("%w: %d bytes", ErrMPUInvalidFlashLength, entry.Len())
	}
	if !k.mapStorageLocations(cfg) {
		k.debugf("load: %s: storage locations do not fit the mpu", hdr.PackageName())
		return nil, ram, nil
	}

	lay, err := k.allocateLayout(hdr, ram, cfg)
	if err != nil {
		return nil, ram, err
	}

	p := &Process{
		k:              k,
		id:             ProcessID{Index: index, Identifier: k.newIdentifier()},
		name:           hdr.PackageName(),
		header:         hdr,
		flash:          entry,
		mem:            lay.mem,
		appBreak:       lay.appBreak,
		kernelBreak:    lay.kernelBreak,
		allowHighWater: lay.mem.Start,
		state:          stateCell{state: Unstarted, work: &k.work},
		faultResponse:  fault,
		mpuConfig:      cfg,
		stored:         k.ukb.NewStoredState(),
	}
	p.debug.reset()
	if a, ok := hdr.FixedAddressRAM(); ok {
		p.debug.fixedRAM, p.debug.hasFixedRAM = Addr(a), true
	}
	if a, ok := hdr.FixedAddressFlash(); ok {
		p.debug.fixedFlash, p.debug.hasFixedFlash = Addr(a), true
	}

	if err := k.ukb.InitializeProcess(p.mem.Start, p.appBreak, p.stored); err != nil {
		return nil, ram, fmt.Errorf("%w: initialize %s: %v", ErrInternal, p.name, err)
	}

	p.tasks.push(p.entryCall())
	k.work.increment()
	return p, lay.leftover, nil
}

type layout struct {
	mem         Span
	leftover    Span
	appBreak    Addr
	kernelBreak Addr
}

// allocateLayout carves the process memory for hdr out of ram.
func (k *Kernel) allocateLayout(hdr *tbf.Header, ram Span, cfg MPUConfig) (layout, error) {
	fixedRAM, hasFixedRAM := hdr.FixedAddressRAM()
	if hasFixedRAM {
		fixed := Addr(fixedRAM)
		switch {
		case fixed < ram.Start:
			return layout{}, &MemoryAddressMismatchError{Actual: ram.Start, Expected: fixed}
		case fixed > ram.Start:
			gap := uint32(fixed - ram.Start)
			if gap > ram.Len() {
				last := ram.End()
				if last > ram.Start {
					last--
				}
				return layout{}, &MemoryAddressMismatchError{Actual: last, Expected: fixed}
			}
			ram = ram.from(gap)
		}
	}

	bootstrap := k.ukb.InitialProcessAppBrkSize()
	initialKernel := k.initialKernelMemorySize()
	minProcessRAM := max(hdr.MinimumRAMSize(), bootstrap)
	minTotal := uint64(minProcessRAM) + uint64(initialKernel)
	if minTotal > uint64(ram.Len()) {
		return layout{}, fmt.Errorf("%w: need %d bytes, %d left", ErrNotEnoughMemory, minTotal, ram.Len())
	}

	start, size, ok := k.mpu.AllocateAppMemoryRegion(ram.Start, ram.Len(), uint32(minTotal), minProcessRAM, initialKernel, PermReadWriteOnly, cfg)
	if !ok {
		return layout{}, fmt.Errorf("%w: mpu cannot place %d bytes", ErrNotEnoughMemory, minTotal)
	}
	if !ram.Contains(start, size) || uint64(size) < minTotal {
		return layout{}, fmt.Errorf("%w: mpu region [0x%08x+%d] outside ram", ErrInternal, start, size)
	}
	off := uint32(start - ram.Start)
	mem := ram.slice(off, size)
	leftover := ram.from(off + size)

	if hasFixedRAM && Addr(fixedRAM) != mem.Start {
		return layout{}, &MemoryAddressMismatchError{Actual: mem.Start, Expected: Addr(fixedRAM)}
	}

	appBreak, kernelBreak, err := k.resetMemory(mem, cfg)
	if err != nil {
		return layout{}, err
	}
	return layout{mem: mem, leftover: leftover, appBreak: appBreak, kernelBreak: kernelBreak}, nil
}

// resetMemory lays out the two breaks in mem, clears the grant table and
// syncs the MPU with the new app break.
func (k *Kernel) resetMemory(mem Span, cfg MPUConfig) (appBreak, kernelBreak Addr, err error) {
	bootstrap := k.ukb.InitialProcessAppBrkSize()
	initialKernel := k.initialKernelMemorySize()
	if uint64(bootstrap)+uint64(initialKernel) > uint64(mem.Len()) {
		return 0, 0, fmt.Errorf("%w: %d byte region too small", ErrNotEnoughMemory, mem.Len())
	}

	// Top down: grant table, task buffer, control block.
	kernelBreak = mem.End()
	grantBytes := uint32(k.GrantCount()) * PointerSize
	kernelBreak -= Addr(grantBytes)
	clear(mem.Bytes[mem.Len()-grantBytes:])
	kernelBreak -= Addr(TaskBufferBytes)
	kernelBreak -= Addr(ControlBlockBytes)

	appBreak = mem.Start + Addr(bootstrap)
	if err := k.mpu.UpdateAppMemoryRegion(appBreak, kernelBreak, PermReadWriteOnly, cfg); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrNotEnoughMemory, err)
	}
	return appBreak, kernelBreak, nil
}

// mapStorageLocations gives cfg read-only access to every storage location.
func (k *Kernel) mapStorageLocations(cfg MPUConfig) bool {
	for _, loc := range k.cfg.StorageLocations {
		if _, ok := k.mpu.AllocateRegion(loc.Address, loc.Size, loc.Size, PermReadOnly, cfg); !ok {
			return false
		}
	}
	return true
}

func readPointer(b []byte) Addr      { return Addr(binary.LittleEndian.Uint32(b)) }
func writePointer(b []byte, a Addr) { binary.LittleEndian.PutUint32(b, uint32(a)) }
