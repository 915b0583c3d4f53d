package kernel

// Memop operands.
const (
	MemopBrk                  = 0
	MemopSbrk                 = 1
	MemopMemStart             = 2
	MemopMemEnd               = 3
	MemopFlashStart           = 4
	MemopFlashEnd             = 5
	MemopGrantStart           = 6
	MemopWriteableRegionCount = 7
	MemopWriteableRegionStart = 8
	MemopWriteableRegionEnd   = 9
	MemopStackStart           = 10
	MemopHeapStart            = 11
)

// memop runs one memop syscall and returns the value for userspace.
func (k *Kernel) memop(p *Process, op, arg uint32) ReturnCode {
	rc := k.doMemop(p, op, arg)
	k.tracef("[%s] memop(%d, %#x) = %v", p.name, op, arg, rc)
	return rc
}

func (k *Kernel) doMemop(p *Process, op, arg uint32) ReturnCode {
	switch op {
	case MemopBrk:
		if _, err := p.Brk(Addr(arg)); err != nil {
			return ENoMem
		}
		return Success
	case MemopSbrk:
		old, err := p.Sbrk(int32(arg))
		if err != nil {
			return ENoMem
		}
		return ReturnCode(old)
	case MemopMemStart:
		return ReturnCode(p.MemStart())
	case MemopMemEnd:
		return ReturnCode(p.MemEnd())
	case MemopFlashStart:
		return ReturnCode(p.FlashStart())
	case MemopFlashEnd:
		return ReturnCode(p.FlashEnd())
	case MemopGrantStart:
		return ReturnCode(p.KernelMemoryBreak())
	case MemopWriteableRegionCount:
		return ReturnCode(p.NumberWriteableFlashRegions())
	case MemopWriteableRegionStart:
		start, size := p.WriteableFlashRegion(int(arg))
		if size == 0 {
			return Fail
		}
		return ReturnCode(start)
	case MemopWriteableRegionEnd:
		start, size := p.WriteableFlashRegion(int(arg))
		if size == 0 {
			return Fail
		}
		return ReturnCode(start + Addr(size))
	case MemopStackStart:
		p.UpdateStackStartPointer(Addr(arg))
		return Success
	case MemopHeapStart:
		p.UpdateHeapStartPointer(Addr(arg))
		return Success
	default:
		return ENoSupport
	}
}
