package kernel

// State is the execution state of a process.
type State uint8

const (
	// Unstarted processes have their entry function queued but have not run.
	Unstarted State = iota
	Running
	Yielded
	StoppedRunning
	StoppedYielded
	StoppedFaulted
	// Fault is transient: the fault response moves the process on at once.
	Fault
)

func (s State) String() string {
	switch s {
	case Unstarted:
		return "Unstarted"
	case Running:
		return "Running"
	case Yielded:
		return "Yielded"
	case StoppedRunning:
		return "StoppedRunning"
	case StoppedYielded:
		return "StoppedYielded"
	case StoppedFaulted:
		return "StoppedFaulted"
	case Fault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// stateCell keeps the kernel work counter in step with Running.
type stateCell struct {
	state State
	work  *workCounter
}

func (c *stateCell) get() State { return c.state }

func (c *stateCell) update(s State) {
	if c.state == Running && s != Running {
		c.work.decrement()
	} else if c.state != Running && s == Running {
		c.work.increment()
	}
	c.state = s
}
