package kernel

import (
	"fmt"
	"io"
)

// PrintMemoryMap writes the process's RAM and flash layout to w.
func (p *Process) PrintMemoryMap(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printMemoryMapLocked(w)
}

// PrintFullProcess writes everything known about the process to w: the
// memory map, saved registers, grants, MPU config and counters.
func (p *Process) PrintFullProcess(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.printFullProcessLocked(w)
}

func (p *Process) printMemoryMapLocked(w io.Writer) {
	memStart, memEnd := p.mem.Start, p.mem.End()
	grantSize := uint32(p.k.GrantCount()) * PointerSize
	kernelUsed := uint32(memEnd - p.kernelBreak)
	unused := uint32(p.kernelBreak - p.appBreak)

	heapStart, stackStart, stackMin := p.debug.appHeapStart, p.debug.appStackStart, p.debug.appStackMin
	if stackMin > stackStart {
		stackMin = stackStart
	}

	fmt.Fprintf(w, "\n App: %s   -   [%s]\n", p.name, p.state.get())
	fmt.Fprintf(w, " Events Queued: %d   Syscall Count: %d   Dropped Task Count: %d\n",
		p.tasks.len(), p.debug.syscalls, p.debug.droppedTasks)
	fmt.Fprintf(w, " Restart Count: %d   Timeslice Expirations: %d\n",
		p.restartCount, p.debug.timesliceExpirations)
	if p.debug.hasLastSyscall {
		fmt.Fprintf(w, " Last Syscall: %v\n", p.debug.lastSyscall)
	} else {
		fmt.Fprintf(w, " Last Syscall: None\n")
	}

	fmt.Fprintf(w, "\n +-----------+----------------------------------------+\n")
	fmt.Fprintf(w, " |  Address  | Region Name    Used | Allocated (bytes)  |\n")
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(memEnd))
	fmt.Fprintf(w, " |           | Grant Ptrs   %6d\n", grantSize)
	fmt.Fprintf(w, " |           | Tasks        %6d\n", TaskBufferBytes)
	fmt.Fprintf(w, " |           | PCB          %6d\n", ControlBlockBytes)
	fmt.Fprintf(w, " |           | Grants       %6d | %6d\n",
		kernelUsed-grantSize-TaskBufferBytes-ControlBlockBytes, kernelUsed)
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(p.kernelBreak))
	fmt.Fprintf(w, " |           | Unused       %6d\n", unused)
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(p.appBreak))

	switch {
	case stackStart >= memStart && heapStart >= stackStart && p.appBreak >= heapStart && heapStart != 0:
		fmt.Fprintf(w, " |           | Heap         %6d\n", uint32(p.appBreak-heapStart))
		fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(heapStart))
		fmt.Fprintf(w, " |           | Data         %6d\n", uint32(heapStart-stackStart))
		fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(stackStart))
		fmt.Fprintf(w, " |           | Stack        %6d | %6d\n",
			uint32(stackStart-stackMin), uint32(stackStart-memStart))
	default:
		fmt.Fprintf(w, " |           | App memory   %6d (heap and stack unknown)\n", uint32(p.appBreak-memStart))
	}
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(memStart))

	fmt.Fprintf(w, " |           | ...\n")
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(p.flash.End()))
	fmt.Fprintf(w, " |           | App Flash    %6d\n", p.flash.Len()-p.header.ProtectedSize())
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(p.flash.Start)+p.header.ProtectedSize())
	fmt.Fprintf(w, " |           | Protected    %6d\n", p.header.ProtectedSize())
	fmt.Fprintf(w, " +0x%08x-+----------------------------------------+\n", uint32(p.flash.Start))
}

func (p *Process) printFullProcessLocked(w io.Writer) {
	p.printMemoryMapLocked(w)

	fmt.Fprintln(w)
	p.k.ukb.PrintContext(p.mem.Start, p.appBreak, p.stored, w)

	if p.tasks.len() > 0 {
		fmt.Fprintf(w, "\n Pending Tasks:\n")
		p.tasks.each(func(t Task) {
			switch t := t.(type) {
			case FunctionCall:
				fmt.Fprintf(w, "  call 0x%08x (0x%x, 0x%x, 0x%x, 0x%x)\n", uint32(t.PC), t.Arg0, t.Arg1, t.Arg2, t.Arg3)
			case IPCRequest:
				fmt.Fprintf(w, "  ipc %s from %v\n", t.Kind, t.Target)
			}
		})
	}

	n := p.k.GrantCount()
	fmt.Fprintf(w, "\n Grant Pointers (%d):\n", n)
	// Three columns.
	rows := (n + 2) / 3
	for r := 0; r < rows; r++ {
		for c := 0; c < 3; c++ {
			i := r + c*rows
			if i >= n {
				break
			}
			slot, _ := p.grantSlotLocked(i)
			fmt.Fprintf(w, "  %2d %-10.10s 0x%08x", i, p.k.grantName(i), uint32(readPointer(slot)))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "\n MPU:\n%s\n", p.mpuConfig)
	for i, r := range p.mpuRegions {
		if !r.Empty() {
			fmt.Fprintf(w, "  extra region %d: [0x%08x, 0x%08x)\n", i, uint32(r.Start), uint64(r.Start)+uint64(r.Size))
		}
	}

	fmt.Fprintln(w)
	if p.debug.hasFixedFlash || p.debug.hasFixedRAM {
		fmt.Fprintf(w, " App %q was linked for fixed addresses:\n", p.name)
		if p.debug.hasFixedFlash {
			fmt.Fprintf(w, "   flash 0x%08x, loaded at 0x%08x\n", uint32(p.debug.fixedFlash), uint32(p.flash.Start)+p.header.ProtectedSize())
		}
		if p.debug.hasFixedRAM {
			fmt.Fprintf(w, "   ram   0x%08x, loaded at 0x%08x\n", uint32(p.debug.fixedRAM), uint32(p.mem.Start))
		}
		return
	}
	fmt.Fprintf(w, " App %q is position independent; load its .elf at text=0x%08x data=0x%08x\n",
		p.name, uint32(p.flash.Start)+p.header.ProtectedSize(), uint32(p.mem.Start))
}
