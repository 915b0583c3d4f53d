package kernel

import (
	"errors"
	"fmt"
)

// Load-time errors.
var (
	ErrNotEnoughFlash        = errors.New("kernel: not enough flash for app")
	ErrNotEnoughMemory       = errors.New("kernel: not enough memory for app")
	ErrMPUInvalidFlashLength = errors.New("kernel: app flash length not supported by mpu")
	ErrInternal              = errors.New("kernel: internal error while loading app")
)

// Runtime errors.
var (
	ErrNoSuchApp          = errors.New("kernel: no such app")
	ErrOutOfMemory        = errors.New("kernel: out of memory")
	ErrAddressOutOfBounds = errors.New("kernel: address out of bounds")
	ErrInactiveApp        = errors.New("kernel: app is inactive")
	ErrKernel             = errors.New("kernel: kernel error")
	ErrAlreadyInUse       = errors.New("kernel: already in use")

	ErrGrantsFinalized = errors.New("kernel: grants already finalized")
)

// HeaderParseError wraps a failure decoding an image header.
type HeaderParseError struct {
	Err error
}

func (e *HeaderParseError) Error() string { return "kernel: header parse: " + e.Err.Error() }
func (e *HeaderParseError) Unwrap() error { return e.Err }

// MemoryAddressMismatchError reports an app linked for a RAM address the
// allocator cannot place it at.
type MemoryAddressMismatchError struct {
	Actual   Addr
	Expected Addr
}

func (e *MemoryAddressMismatchError) Error() string {
	return fmt.Sprintf("kernel: app linked for ram 0x%08x, placed at 0x%08x", e.Expected, e.Actual)
}

// IncorrectFlashAddressError reports an app linked for a flash address other
// than the one it was found at.
type IncorrectFlashAddressError struct {
	Actual   Addr
	Expected Addr
}

func (e *IncorrectFlashAddressError) Error() string {
	return fmt.Sprintf("kernel: app linked for flash 0x%08x, found at 0x%08x", e.Expected, e.Actual)
}

// ReturnCode is the value a syscall hands back to userspace.
type ReturnCode int32

const (
	Success    ReturnCode = 0
	Fail       ReturnCode = -1
	EBusy      ReturnCode = -2
	EAlready   ReturnCode = -3
	EOff       ReturnCode = -4
	EReserve   ReturnCode = -5
	EInval     ReturnCode = -6
	ESize      ReturnCode = -7
	ECancel    ReturnCode = -8
	ENoMem     ReturnCode = -9
	ENoSupport ReturnCode = -10
	ENoDevice  ReturnCode = -11
)

func (rc ReturnCode) String() string {
	switch rc {
	case Success:
		return "SUCCESS"
	case Fail:
		return "FAIL"
	case EBusy:
		return "EBUSY"
	case EAlready:
		return "EALREADY"
	case EOff:
		return "EOFF"
	case EReserve:
		return "ERESERVE"
	case EInval:
		return "EINVAL"
	case ESize:
		return "ESIZE"
	case ECancel:
		return "ECANCEL"
	case ENoMem:
		return "ENOMEM"
	case ENoSupport:
		return "ENOSUPPORT"
	case ENoDevice:
		return "ENODEVICE"
	default:
		if rc > 0 {
			return fmt.Sprintf("SUCCESS_WITH_VALUE(%d)", int32(rc))
		}
		return fmt.Sprintf("ReturnCode(%d)", int32(rc))
	}
}

// ReturnCodeOf maps a runtime error to the code returned to userspace.
func ReturnCodeOf(err error) ReturnCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrOutOfMemory):
		return ENoMem
	case errors.Is(err, ErrAddressOutOfBounds):
		return EInval
	case errors.Is(err, ErrNoSuchApp), errors.Is(err, ErrInactiveApp):
		return Fail
	case errors.Is(err, ErrAlreadyInUse):
		return EBusy
	default:
		return Fail
	}
}
