// Package cortexm models the ARMv7-M memory protection unit in software.
//
// It enforces the rules the hardware imposes on region placement (power of
// two sizes, size-aligned starts, eight subregions per region, a fixed number
// of regions) so process layouts computed against it are valid on a real
// part.
package cortexm

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"ember/sparkos/kernel"
)

const (
	// NumRegions is the number of MPU regions.
	NumRegions = 8

	// MinRegionSize is the smallest region the hardware supports.
	MinRegionSize = 32

	// MinAppRegionSize keeps subregions at least MinRegionSize bytes.
	MinAppRegionSize = 8 * MinRegionSize

	subregions = 8

	// appRegion is the slot reserved for process memory.
	appRegion = 0
)

var (
	ErrNoAppRegion     = errors.New("cortexm: no app memory region")
	ErrBreakOverlap    = errors.New("cortexm: app break overlaps kernel memory")
	ErrBreakOutOfRange = errors.New("cortexm: app break outside region")
	ErrWrongConfig     = errors.New("cortexm: config from another mpu")
)

type region struct {
	used  bool
	start kernel.Addr
	size  uint32
	perms kernel.Permissions
	// enabled counts subregions from the bottom; 0 means all eight.
	enabled uint8
}

func (r region) accessibleEnd() uint64 {
	if r.enabled == 0 {
		return uint64(r.start) + uint64(r.size)
	}
	return uint64(r.start) + uint64(r.enabled)*uint64(r.size/subregions)
}

// Config is the per-process MPU state.
type Config struct {
	regions [NumRegions]region
}

// AppRegion returns the process memory region and the end of the part of it
// the app can reach.
func (c *Config) AppRegion() (start kernel.Addr, size uint32, accessibleEnd kernel.Addr, ok bool) {
	r := c.regions[appRegion]
	if !r.used {
		return 0, 0, 0, false
	}
	return r.start, r.size, kernel.Addr(r.accessibleEnd()), true
}

// UsedRegions counts allocated region slots.
func (c *Config) UsedRegions() int {
	n := 0
	for _, r := range c.regions {
		if r.used {
			n++
		}
	}
	return n
}

func (c *Config) String() string {
	var b strings.Builder
	for i, r := range c.regions {
		if !r.used {
			fmt.Fprintf(&b, "  Region %d: Unused\n", i)
			continue
		}
		fmt.Fprintf(&b, "  Region %d: [0x%08x:0x%08x], length: %d bytes; %s",
			i, uint32(r.start), uint64(r.start)+uint64(r.size), r.size, r.perms)
		if r.enabled != 0 {
			fmt.Fprintf(&b, ", subregions 0-%d enabled", r.enabled-1)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// MPU is the software MPU. The zero value is ready to use.
type MPU struct {
	mu       sync.Mutex
	active   *Config
	activeID kernel.ProcessID
	loads    int
}

// NewMPU returns an MPU with no active configuration.
func NewMPU() *MPU { return &MPU{} }

func (m *MPU) NewConfig() kernel.MPUConfig { return &Config{} }

func asConfig(cfg kernel.MPUConfig) (*Config, bool) {
	c, ok := cfg.(*Config)
	return c, ok && c != nil
}

func (m *MPU) AllocateRegion(unallocStart kernel.Addr, unallocSize, minSize uint32, perms kernel.Permissions, cfg kernel.MPUConfig) (kernel.Region, bool) {
	c, ok := asConfig(cfg)
	if !ok {
		return kernel.Region{}, false
	}
	slot := -1
	for i := appRegion + 1; i < NumRegions; i++ {
		if !c.regions[i].used {
			slot = i
			break
		}
	}
	if slot < 0 {
		return kernel.Region{}, false
	}

	size, ok := regionSize(minSize, MinRegionSize)
	if !ok {
		return kernel.Region{}, false
	}
	start, ok := place(unallocStart, unallocSize, size)
	if !ok {
		return kernel.Region{}, false
	}
	c.regions[slot] = region{used: true, start: start, size: size, perms: perms}
	return kernel.Region{Start: start, Size: size}, true
}

func (m *MPU) AllocateAppMemoryRegion(unallocStart kernel.Addr, unallocSize, minTotal, initialApp, initialKernel uint32, perms kernel.Permissions, cfg kernel.MPUConfig) (kernel.Addr, uint32, bool) {
	c, ok := asConfig(cfg)
	if !ok || c.regions[appRegion].used {
		return 0, 0, false
	}
	want := max(uint64(minTotal), uint64(initialApp)+uint64(initialKernel))
	if want > 1<<31 {
		return 0, 0, false
	}
	size, ok := regionSize(uint32(want), MinAppRegionSize)
	if !ok {
		return 0, 0, false
	}

	// Grow until the app's initial subregions stay clear of kernel memory.
	for {
		sub := size / subregions
		enabled := (initialApp + sub - 1) / sub
		if enabled == 0 {
			enabled = 1
		}
		if uint64(enabled)*uint64(sub)+uint64(initialKernel) <= uint64(size) {
			start, ok := place(unallocStart, unallocSize, size)
			if !ok {
				return 0, 0, false
			}
			c.regions[appRegion] = region{used: true, start: start, size: size, perms: perms, enabled: uint8(enabled % subregions)}
			return start, size, true
		}
		if size >= 1<<31 {
			return 0, 0, false
		}
		size <<= 1
	}
}

func (m *MPU) UpdateAppMemoryRegion(appBreak, kernelBreak kernel.Addr, perms kernel.Permissions, cfg kernel.MPUConfig) error {
	c, ok := asConfig(cfg)
	if !ok {
		return ErrWrongConfig
	}
	r := &c.regions[appRegion]
	if !r.used {
		return ErrNoAppRegion
	}
	end := uint64(r.start) + uint64(r.size)
	if appBreak < r.start || uint64(appBreak) > end || kernelBreak < r.start || uint64(kernelBreak) > end {
		return fmt.Errorf("%w: break 0x%08x kernel 0x%08x", ErrBreakOutOfRange, appBreak, kernelBreak)
	}
	sub := r.size / subregions
	enabled := (uint32(appBreak-r.start) + sub - 1) / sub
	if enabled == 0 {
		enabled = 1
	}
	if uint64(r.start)+uint64(enabled)*uint64(sub) > uint64(kernelBreak) {
		return fmt.Errorf("%w: break 0x%08x kernel 0x%08x", ErrBreakOverlap, appBreak, kernelBreak)
	}
	r.perms = perms
	r.enabled = uint8(enabled % subregions)
	return nil
}

func (m *MPU) Configure(cfg kernel.MPUConfig, id kernel.ProcessID) {
	c, ok := asConfig(cfg)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = c
	m.activeID = id
	m.loads++
}

// Active returns the configuration last loaded and the process it was
// loaded for.
func (m *MPU) Active() (*Config, kernel.ProcessID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active, m.activeID, m.active != nil
}

// Loads counts Configure calls.
func (m *MPU) Loads() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// regionSize rounds n up to a power of two no smaller than floor.
func regionSize(n, floor uint32) (uint32, bool) {
	size := floor
	for size < n {
		if size >= 1<<31 {
			return 0, false
		}
		size <<= 1
	}
	return size, true
}

// place aligns a size-byte region inside [start, start+length).
func place(start kernel.Addr, length, size uint32) (kernel.Addr, bool) {
	aligned := (uint64(start) + uint64(size) - 1) &^ (uint64(size) - 1)
	if aligned+uint64(size) > uint64(start)+uint64(length) {
		return 0, false
	}
	return kernel.Addr(aligned), true
}
