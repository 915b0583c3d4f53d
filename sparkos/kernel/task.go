package kernel

import "fmt"

// CallbackID identifies one subscription of one driver.
type CallbackID struct {
	Driver    uint32
	Subscribe uint32
}

// SourceKind distinguishes kernel-issued calls from driver callbacks.
type SourceKind uint8

const (
	SourceKernel SourceKind = iota
	SourceDriver
)

// FunctionCallSource says who queued a FunctionCall.
type FunctionCallSource struct {
	Kind     SourceKind
	Callback CallbackID // valid for SourceDriver
}

// KernelSource is the source of calls the kernel makes itself.
func KernelSource() FunctionCallSource { return FunctionCallSource{Kind: SourceKernel} }

// DriverSource is the source of a driver callback.
func DriverSource(id CallbackID) FunctionCallSource {
	return FunctionCallSource{Kind: SourceDriver, Callback: id}
}

// Task is work queued for a process: a FunctionCall or an IPCRequest.
type Task interface {
	isTask()
}

// FunctionCall asks the process to run the function at PC.
type FunctionCall struct {
	Source FunctionCallSource
	Arg0   uint32
	Arg1   uint32
	Arg2   uint32
	Arg3   uint32
	PC     Addr
}

// IPCKind is the direction of an IPC notification.
type IPCKind uint8

const (
	IPCService IPCKind = iota
	IPCClient
)

func (k IPCKind) String() string {
	if k == IPCClient {
		return "client"
	}
	return "service"
}

// IPCRequest notifies the process of an IPC event from Target.
type IPCRequest struct {
	Target ProcessID
	Kind   IPCKind
}

func (FunctionCall) isTask() {}
func (IPCRequest) isTask()   {}

// SyscallClass is the class of a system call.
type SyscallClass uint8

const (
	SyscallYield SyscallClass = iota
	SyscallSubscribe
	SyscallCommand
	SyscallAllow
	SyscallMemop
)

func (c SyscallClass) String() string {
	switch c {
	case SyscallYield:
		return "yield"
	case SyscallSubscribe:
		return "subscribe"
	case SyscallCommand:
		return "command"
	case SyscallAllow:
		return "allow"
	case SyscallMemop:
		return "memop"
	default:
		return "unknown"
	}
}

// Syscall is a decoded system call. For memop, Sub is the operand and Arg0
// the argument.
type Syscall struct {
	Class  SyscallClass
	Driver uint32
	Sub    uint32
	Arg0   uint32
	Arg1   uint32
}

func (s Syscall) String() string {
	switch s.Class {
	case SyscallYield:
		return "yield"
	case SyscallMemop:
		return fmt.Sprintf("memop(%d, %#x)", s.Sub, s.Arg0)
	default:
		return fmt.Sprintf("%s(%d, %d, %#x, %#x)", s.Class, s.Driver, s.Sub, s.Arg0, s.Arg1)
	}
}
