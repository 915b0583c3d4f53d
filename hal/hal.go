package hal

import (
	"errors"
	"fmt"
)

// Logger writes newline-delimited log lines.
type Logger interface {
	WriteLineString(s string)
	WriteLineBytes(b []byte)
}

// LED is a single status output.
type LED interface {
	High()
	Low()
}

var ErrNotImplemented = errors.New("not implemented")

// PixelFormat defines the framebuffer pixel encoding.
type PixelFormat uint8

const (
	// PixelFormatRGB565 is 16bpp: rrrrrggggggbbbbb.
	PixelFormatRGB565 PixelFormat = iota + 1
)

// Framebuffer is a simple pixel buffer plus a "present" hook.
type Framebuffer interface {
	Width() int
	Height() int
	Format() PixelFormat
	StrideBytes() int
	Buffer() []byte
	ClearRGB(r, g, b uint8)
	Present() error
}

// Display provides access to the framebuffer (if available).
type Display interface {
	Framebuffer() Framebuffer
}

// Flash provides raw access to the app flash.
//
// Offsets are relative to the start of the device; the kernel adds the
// board's flash base address.
type Flash interface {
	SizeBytes() uint32
	EraseBlockBytes() uint32
	ReadAt(p []byte, off uint32) (int, error)
	WriteAt(p []byte, off uint32) (int, error)
	Erase(off, size uint32) error
}

// Time provides a base tick stream. One tick is one millisecond on host.
type Time interface {
	Ticks() <-chan uint64
}

// HAL provides the only contact point between the OS and the outside world.
type HAL interface {
	Logger() Logger
	LED() LED
	Display() Display
	Flash() Flash
	Time() Time
}

// ReadFlash reads the first n bytes of f. n == 0 reads the whole device.
func ReadFlash(f Flash, n uint32) ([]byte, error) {
	if f == nil {
		return nil, ErrNotImplemented
	}
	size := f.SizeBytes()
	if n == 0 || n > size {
		n = size
	}
	buf := make([]byte, n)
	for off := uint32(0); off < n; {
		got, err := f.ReadAt(buf[off:], off)
		if err != nil {
			return nil, fmt.Errorf("flash read at %d: %w", off, err)
		}
		if got == 0 {
			return nil, fmt.Errorf("flash read at %d: short read", off)
		}
		off += uint32(got)
	}
	return buf, nil
}
