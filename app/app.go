package app

import (
	"errors"
	"fmt"

	"ember/hal"
	"ember/internal/buildinfo"
	"ember/sparkos/arch/cortexm"
	"ember/sparkos/arch/sim"
	"ember/sparkos/kernel"
)

// ErrHalted is returned by Step once the kernel has panicked.
var ErrHalted = errors.New("app: kernel halted")

// System is a booted board: the kernel, its drivers and the simulated CPU
// the apps run on.
type System struct {
	h   hal.HAL
	log hal.Logger
	cfg BoardConfig

	k        *kernel.Kernel
	boundary *sim.Boundary
	console  *consoleDriver
	alarm    *alarmDriver
	ipc      *ipcDriver
	term     *screen

	unused  kernel.Span
	loadErr error
	now     uint64
	halt    *kernel.PanicInfo
}

// Boot reads the app flash from h and starts every app it finds. Apps that
// fail to load are logged and reported by LoadError; they do not stop the
// board.
func Boot(h hal.HAL, cfg BoardConfig) (*System, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fault, err := cfg.FaultResponse()
	if err != nil {
		return nil, err
	}
	image, err := hal.ReadFlash(h.Flash(), cfg.Flash.Size)
	if err != nil {
		return nil, fmt.Errorf("read app flash: %w", err)
	}

	s := &System{h: h, log: h.Logger(), cfg: cfg}
	if s.log == nil {
		s.log = discardLogger{}
	}
	ram := kernel.Span{Start: kernel.Addr(cfg.RAM.Base), Bytes: make([]byte, cfg.RAM.Size)}
	timer := sim.NewTimer()
	s.boundary = sim.NewBoundary(sim.WithTimer(timer, cfg.SwitchCostUS), sim.WithMemory(ram))
	s.k = kernel.New(kernel.Config{
		MaxProcesses:       cfg.MaxProcesses,
		Logger:             s.log,
		DebugLoadProcesses: cfg.Debug.LoadProcesses,
		TraceSyscalls:      cfg.Debug.TraceSyscalls,
		StorageLocations:   cfg.storageLocations(),
		QuantumUS:          cfg.QuantumUS,
		PanicHandler:       s.onPanic,
	}, kernel.Platform{MPU: cortexm.NewMPU(), Boundary: s.boundary, Timer: timer})

	if s.console, err = newConsoleDriver(s.k, s.log); err != nil {
		return nil, err
	}
	if s.alarm, err = newAlarmDriver(s.k); err != nil {
		return nil, err
	}
	for _, name := range cfg.Grants {
		if _, err := s.k.CreateGrant(name); err != nil {
			return nil, fmt.Errorf("grant %q: %w", name, err)
		}
	}
	if err := s.k.RegisterDriver(ConsoleDriver, s.console); err != nil {
		return nil, err
	}
	if err := s.k.RegisterDriver(AlarmDriver, s.alarm); err != nil {
		return nil, err
	}
	s.ipc = newIPCDriver(s.k)
	if err := s.k.RegisterDriver(IPCDriver, s.ipc); err != nil {
		return nil, err
	}

	flash := kernel.Span{Start: kernel.Addr(cfg.Flash.Base), Bytes: image}
	s.unused, s.loadErr = s.k.LoadProcesses(flash, ram, fault)
	if s.loadErr != nil {
		s.logf("load: %v", s.loadErr)
	}
	for _, p := range s.k.Processes() {
		s.install(p)
	}

	s.term = newTerminal(h.Display())
	s.logf("%s: %d apps, %d bytes of RAM unused, fault response %v",
		buildinfo.Banner(), len(s.k.Processes()), s.unused.Len(), fault)
	if cfg.Debug.DumpOnBoot {
		s.Dump()
	}
	return s, nil
}

// install registers the program the board assigns to p.
func (s *System) install(p *kernel.Process) {
	name := s.cfg.Apps[p.Name()]
	if name == "" {
		name = "idle"
	}
	for _, r := range programs[name]() {
		s.boundary.Register(p.EntryPoint()+r.off, r.prog)
	}
	s.logf("[%s] %v runs %s at 0x%08x", p.Name(), p.ID(), name, uint32(p.EntryPoint()))
}

func (s *System) Kernel() *kernel.Kernel { return s.k }

// LoadError is the joined error of every app that failed to load.
func (s *System) LoadError() error { return s.loadErr }

// UnusedRAM is the process RAM no app took.
func (s *System) UnusedRAM() kernel.Span { return s.unused }

// Panic returns the kernel panic, if there was one.
func (s *System) Panic() (kernel.PanicInfo, bool) {
	if s.halt == nil {
		return kernel.PanicInfo{}, false
	}
	return *s.halt, true
}

// ConsoleStats reports how much p has written to the console.
func (s *System) ConsoleStats(p *kernel.Process) (bytes, writes uint32) {
	return s.console.Stats(p)
}

// Step drains the host tick stream and runs one tick of the board.
func (s *System) Step() error {
	if s.k.Halted() {
		return ErrHalted
	}
	var ticks <-chan uint64
	if t := s.h.Time(); t != nil {
		ticks = t.Ticks()
	}
	now := s.now
drain:
	for {
		select {
		case seq, ok := <-ticks:
			if !ok {
				break drain
			}
			now = seq
		default:
			break drain
		}
	}
	s.Tick(now)
	if s.k.Halted() {
		return ErrHalted
	}
	return nil
}

// Tick moves the board clock to now, fires due alarms and gives the
// scheduler up to StepsPerTick decisions. The LED is lit while there is
// work left.
func (s *System) Tick(now uint64) {
	if s.k.Halted() {
		return
	}
	s.now = max(s.now, now)
	s.alarm.tick(s.now)
	for i := 0; i < s.cfg.StepsPerTick; i++ {
		if !s.k.Step() {
			break
		}
	}
	if led := s.h.LED(); led != nil {
		if s.k.ProcessesBlocked() {
			led.Low()
		} else {
			led.High()
		}
	}
}

func (s *System) logf(format string, args ...any) {
	s.log.WriteLineString(fmt.Sprintf(format, args...))
}

type discardLogger struct{}

func (discardLogger) WriteLineString(string) {}
func (discardLogger) WriteLineBytes([]byte)  {}
