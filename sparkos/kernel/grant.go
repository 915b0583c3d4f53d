package kernel

import "fmt"

// Grant is per-process kernel memory owned by one driver.
type Grant struct {
	k     *Kernel
	index int
	name  string
}

func (g *Grant) Index() int     { return g.index }
func (g *Grant) Name() string   { return g.name }
func (g *Grant) Kernel() *Kernel { return g.k }

// Enter calls fn with the grant's memory in p, allocating and zeroing size
// bytes on first use. Nothing changes if the memory cannot be provided.
func (g *Grant) Enter(p *Process, size, align uint32, fn func(mem []byte) error) error {
	ptr, ok := p.GrantPointer(g.index)
	if !ok {
		if !p.IsActive() {
			return ErrInactiveApp
		}
		return fmt.Errorf("%w: grant %d (%s) not in table", ErrKernel, g.index, g.name)
	}
	if ptr == 0 {
		var err error
		ptr, err = p.Alloc(size, align)
		if err != nil {
			return err
		}
		mem, ok := p.KernelMemory(ptr, size)
		if !ok {
			return fmt.Errorf("%w: grant %s at 0x%08x", ErrKernel, g.name, ptr)
		}
		clear(mem)
		p.SetGrantPointer(g.index, ptr)
	}
	mem, ok := p.KernelMemory(ptr, size)
	if !ok {
		return ErrInactiveApp
	}
	return fn(mem)
}

// Each calls fn for every process that has memory in this grant.
func (g *Grant) Each(size uint32, fn func(p *Process, mem []byte)) {
	for _, p := range g.k.Processes() {
		ptr, ok := p.GrantPointer(g.index)
		if !ok || ptr == 0 {
			continue
		}
		if mem, ok := p.KernelMemory(ptr, size); ok {
			fn(p, mem)
		}
	}
}
