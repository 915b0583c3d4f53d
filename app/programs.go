package app

import (
	"fmt"
	"sort"

	"ember/sparkos/arch/sim"
	"ember/sparkos/kernel"
)

// routine is one piece of app code placed at an offset from the entry point.
type routine struct {
	off  kernel.Addr
	prog sim.Program
}

// programs are the stand-ins for app code a board can assign to an app by
// name. Each call builds fresh closures.
var programs = map[string]func() []routine{
	"idle":  idleProgram,
	"hello": helloProgram,
	"crash": crashProgram,
	"hog":   hogProgram,
	"ping":  pingProgram,
}

// Programs lists the program names a board config may use.
func Programs() []string {
	out := make([]string, 0, len(programs))
	for name := range programs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

const (
	// consoleBufOffset is where programs keep their console buffer, from
	// MemStart.
	consoleBufOffset = 256
	consoleBufLen    = 32
	// callbackOffset is where programs keep their callback, from the
	// entry point.
	callbackOffset = 0x100
	// HelloPeriod is the alarm period of the hello program in ticks.
	HelloPeriod = 4
)

func idleProgram() []routine {
	return []routine{{prog: sim.Sequence()}}
}

// helloProgram prints a greeting, then prints a line every HelloPeriod ticks
// from an alarm callback.
func helloProgram() []routine {
	ticks := 0
	arm := sim.Trap(sim.Command(AlarmDriver, AlarmCmdSetRelative, HelloPeriod, 0))

	main := sim.Sequence(
		func(m *sim.Machine) kernel.ContextSwitchReason {
			ticks = 0
			return allowConsole(m)
		},
		write(func(*sim.Machine) string { return "hello, world" }),
		subscribe(AlarmDriver, AlarmSubscribeFired),
		arm,
	)
	tick := sim.Loop(
		write(func(*sim.Machine) string {
			ticks++
			return fmt.Sprintf("tick %d", ticks)
		}),
		arm,
	)
	return []routine{{prog: main}, {off: callbackOffset, prog: tick}}
}

// pingProgram notifies every other process once and prints the sender of
// each notification it gets.
func pingProgram() []routine {
	main := sim.Sequence(
		allowConsole,
		subscribe(IPCDriver, IPCSubscribeNotify),
		sim.Trap(sim.Command(IPCDriver, IPCCmdBroadcast, 0, 0)),
	)
	pong := sim.Loop(
		sim.Trap(sim.Command(IPCDriver, IPCCmdNext, 0, 0)),
		// R0 holds the result of the previous command.
		write(func(m *sim.Machine) string { return fmt.Sprintf("ping from %d", int32(m.Arg(0))) }),
	)
	return []routine{{prog: main}, {off: callbackOffset, prog: pong}}
}

func consoleBuf(m *sim.Machine) kernel.Addr { return m.MemStart + consoleBufOffset }

func allowConsole(m *sim.Machine) kernel.ContextSwitchReason {
	return sim.Allow(ConsoleDriver, ConsoleAllowWrite, consoleBuf(m), consoleBufLen)
}

// write stores a message in the console buffer and writes it.
func write(msg func(m *sim.Machine) string) sim.Program {
	return func(m *sim.Machine) kernel.ContextSwitchReason {
		b := []byte(msg(m))
		if err := m.Store(consoleBuf(m), b); err != nil {
			return sim.Fault()
		}
		return sim.Command(ConsoleDriver, ConsoleCmdWrite, uint32(len(b)), 0)
	}
}

// subscribe points a driver subscription at the program's callback.
func subscribe(driver, sub uint32) sim.Program {
	return func(m *sim.Machine) kernel.ContextSwitchReason {
		return sim.Subscribe(driver, sub, m.State.Entry+callbackOffset, 0)
	}
}

// crashProgram grows its heap and then faults.
func crashProgram() []routine {
	return []routine{{prog: sim.Sequence(
		sim.Trap(sim.Memop(kernel.MemopSbrk, 256)),
		sim.Trap(sim.Fault()),
	)}}
}

// hogProgram never yields.
func hogProgram() []routine {
	return []routine{{prog: func(*sim.Machine) kernel.ContextSwitchReason {
		return sim.TimesliceExpired()
	}}}
}
