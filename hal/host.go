//go:build !tinygo

package hal

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Options configures the host HAL.
type Options struct {
	// FlashPath is the app flash image. EMBER_FLASH_PATH overrides it.
	FlashPath string
	// Width and Height size the framebuffer; zero means 320x320.
	Width, Height int
	// Log receives log lines; nil means stdout.
	Log io.Writer
}

type hostHAL struct {
	logger *hostLogger
	led    *hostLED
	fb     *hostFramebuffer
	t      *hostTime
	flash  *hostFlash
}

// New returns a host HAL implementation.
func New(opts Options) HAL {
	return newHost(opts)
}

func newHost(opts Options) *hostHAL {
	w := opts.Log
	if w == nil {
		w = os.Stdout
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 320, 320
	}
	logger := &hostLogger{w: w}
	flash, err := newHostFlash(flashPath(opts.FlashPath))
	if err != nil {
		logger.WriteLineString(fmt.Sprintf("flash: %v", err))
	}
	return &hostHAL{
		logger: logger,
		led:    &hostLED{logger: logger},
		fb:     newHostFramebuffer(opts.Width, opts.Height),
		t:      newHostTime(),
		flash:  flash,
	}
}

func flashPath(path string) string {
	if env := os.Getenv("EMBER_FLASH_PATH"); env != "" {
		return env
	}
	if path == "" {
		return hostFlashDefaultPath
	}
	return path
}

func (h *hostHAL) Logger() Logger   { return h.logger }
func (h *hostHAL) LED() LED         { return h.led }
func (h *hostHAL) Display() Display { return hostDisplay{fb: h.fb} }
func (h *hostHAL) Flash() Flash     { return h.flash }
func (h *hostHAL) Time() Time       { return h.t }

type hostDisplay struct {
	fb *hostFramebuffer
}

func (d hostDisplay) Framebuffer() Framebuffer { return d.fb }

// NewLogger returns a Logger writing lines to w.
func NewLogger(w io.Writer) Logger { return &hostLogger{w: w} }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *hostLogger) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.w, s)
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w.Write(b)
	l.w.Write([]byte{'\n'})
}

// hostLED logs level changes only.
type hostLED struct {
	mu     sync.Mutex
	on     bool
	logger *hostLogger
}

func (l *hostLED) High() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.on {
		return
	}
	l.on = true
	l.logger.WriteLineString("led: HIGH")
}

func (l *hostLED) Low() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.on {
		return
	}
	l.on = false
	l.logger.WriteLineString("led: LOW")
}
