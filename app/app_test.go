package app

import (
	"bytes"
	"errors"
	"image/color"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/hal"
	"ember/sparkos/kernel"
	"ember/sparkos/tbf"
)

type lines struct {
	mu  sync.Mutex
	all []string
}

func (l *lines) WriteLineString(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, s)
}

func (l *lines) WriteLineBytes(b []byte) { l.WriteLineString(string(b)) }

func (l *lines) contains(sub string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.all {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (l *lines) count(sub string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, s := range l.all {
		if strings.Contains(s, sub) {
			n++
		}
	}
	return n
}

type testLED struct{ levels []bool }

func (l *testLED) High() { l.levels = append(l.levels, true) }
func (l *testLED) Low()  { l.levels = append(l.levels, false) }

func (l *testLED) last() bool { return len(l.levels) > 0 && l.levels[len(l.levels)-1] }

type testFB struct {
	w, h     int
	buf      []byte
	presents int
}

func newTestFB(w, h int) *testFB { return &testFB{w: w, h: h, buf: make([]byte, w*h*2)} }

func (f *testFB) Width() int                  { return f.w }
func (f *testFB) Height() int                 { return f.h }
func (f *testFB) Format() hal.PixelFormat     { return hal.PixelFormatRGB565 }
func (f *testFB) StrideBytes() int            { return f.w * 2 }
func (f *testFB) Buffer() []byte              { return f.buf }
func (f *testFB) Present() error              { f.presents++; return nil }
func (f *testFB) Framebuffer() hal.Framebuffer { return f }

func (f *testFB) ClearRGB(r, g, b uint8) {
	p := rgb565(color.RGBA{R: r, G: g, B: b, A: 255})
	for i := 0; i+1 < len(f.buf); i += 2 {
		f.buf[i], f.buf[i+1] = byte(p), byte(p>>8)
	}
}

// countPixels counts pixels equal to the RGB565 value p.
func (f *testFB) countPixels(p uint16) int {
	n := 0
	for i := 0; i+1 < len(f.buf); i += 2 {
		if uint16(f.buf[i])|uint16(f.buf[i+1])<<8 == p {
			n++
		}
	}
	return n
}

type memFlash []byte

func (f memFlash) SizeBytes() uint32       { return uint32(len(f)) }
func (f memFlash) EraseBlockBytes() uint32 { return 4096 }
func (f memFlash) ReadAt(p []byte, off uint32) (int, error) {
	if off >= uint32(len(f)) {
		return 0, errors.New("read past end")
	}
	return copy(p, f[off:]), nil
}
func (f memFlash) WriteAt(p []byte, off uint32) (int, error) { return copy(f[off:], p), nil }
func (f memFlash) Erase(off, size uint32) error             { return hal.ErrNotImplemented }

type testHAL struct {
	log   *lines
	led   *testLED
	fb    *testFB
	flash hal.Flash
	ticks chan uint64
}

func (h *testHAL) Logger() hal.Logger { return h.log }
func (h *testHAL) LED() hal.LED       { return h.led }
func (h *testHAL) Flash() hal.Flash   { return h.flash }
func (h *testHAL) Time() hal.Time     { return h }

func (h *testHAL) Display() hal.Display {
	if h.fb == nil {
		return nil
	}
	return h.fb
}

func (h *testHAL) Ticks() <-chan uint64 { return h.ticks }

// newTestHAL returns a board whose flash holds the given apps, 8 KiB each.
func newTestHAL(t *testing.T, names ...string) *testHAL {
	t.Helper()
	var buf bytes.Buffer
	for _, name := range names {
		b, err := tbf.Encode(tbf.Image{Name: name, TotalSize: 8192, InitFnOffset: 0x41})
		require.NoError(t, err)
		buf.Write(b)
	}
	buf.Write(bytes.Repeat([]byte{0xFF}, 4096))
	return &testHAL{
		log:   &lines{},
		led:   &testLED{},
		fb:    newTestFB(96, 64),
		flash: memFlash(buf.Bytes()),
		ticks: make(chan uint64, 16),
	}
}

func boot(t *testing.T, h *testHAL, cfg BoardConfig) *System {
	t.Helper()
	s, err := Boot(h, cfg)
	require.NoError(t, err)
	return s
}

func process(t *testing.T, s *System, name string) *kernel.Process {
	t.Helper()
	p, ok := s.Kernel().ProcessByName(name)
	require.True(t, ok, "process %s not loaded", name)
	return p
}

func TestBootRunsHello(t *testing.T) {
	h := newTestHAL(t, "hi")
	cfg := DefaultBoardConfig()
	cfg.Apps = map[string]string{"hi": "hello"}
	s := boot(t, h, cfg)
	require.NoError(t, s.LoadError())
	assert.True(t, h.log.contains("1 apps"))
	assert.True(t, h.log.contains("[hi] 0:0 runs hello"))

	s.Tick(0)
	p := process(t, s, "hi")
	assert.True(t, h.log.contains("[hi] hello, world"))
	assert.Equal(t, kernel.Yielded, p.State())
	n, writes := s.ConsoleStats(p)
	assert.Equal(t, uint32(12), n)
	assert.Equal(t, uint32(1), writes)
	assert.False(t, h.led.last(), "led lit with nothing to do")

	s.Tick(HelloPeriod - 1)
	assert.False(t, h.log.contains("[hi] tick 1"))

	s.Tick(HelloPeriod)
	assert.True(t, h.log.contains("[hi] tick 1"))
	s.Tick(2 * HelloPeriod)
	assert.True(t, h.log.contains("[hi] tick 2"))
	_, writes = s.ConsoleStats(p)
	assert.Equal(t, uint32(3), writes)
	assert.Equal(t, kernel.Yielded, p.State())
}

func TestStepDrainsTicks(t *testing.T) {
	h := newTestHAL(t, "hi")
	cfg := DefaultBoardConfig()
	cfg.Apps = map[string]string{"hi": "hello"}
	s := boot(t, h, cfg)

	require.NoError(t, s.Step())
	for i := uint64(1); i <= HelloPeriod; i++ {
		h.ticks <- i
	}
	require.NoError(t, s.Step())
	assert.True(t, h.log.contains("[hi] tick 1"))
}

func TestHogSharesTheCPU(t *testing.T) {
	h := newTestHAL(t, "spin", "hi")
	cfg := DefaultBoardConfig()
	cfg.Apps = map[string]string{"spin": "hog", "hi": "hello"}
	s := boot(t, h, cfg)

	s.Tick(0)
	assert.True(t, h.log.contains("[hi] hello, world"))
	assert.Equal(t, kernel.Running, process(t, s, "spin").State())
	assert.True(t, h.led.last(), "led off while a process runs")
	assert.Positive(t, process(t, s, "spin").Stats().TimesliceExpirations)
}

func TestCrashRestartsUpToThreshold(t *testing.T) {
	h := newTestHAL(t, "boom")
	cfg := DefaultBoardConfig()
	cfg.Fault = FaultConfig{Response: "restart", Policy: "threshold", Threshold: 2}
	cfg.Apps = map[string]string{"boom": "crash"}
	s := boot(t, h, cfg)

	s.Tick(0)
	p := process(t, s, "boom")
	assert.Equal(t, kernel.StoppedFaulted, p.State())
	assert.Equal(t, 3, p.RestartCount())
	assert.Equal(t, 2, h.log.count("restarted as"))
	assert.False(t, s.Kernel().Halted())
	assert.NoError(t, s.Step())
}

func TestCrashPanics(t *testing.T) {
	h := newTestHAL(t, "boom")
	cfg := DefaultBoardConfig()
	cfg.Fault = FaultConfig{Response: "panic"}
	cfg.Apps = map[string]string{"boom": "crash"}
	s := boot(t, h, cfg)

	err := s.Step()
	require.ErrorIs(t, err, ErrHalted)
	info, ok := s.Panic()
	require.True(t, ok)
	assert.Equal(t, "boom", info.Process)
	assert.True(t, h.log.contains("Ember Panic"))
	assert.True(t, h.log.contains("App: boom"))
	assert.Positive(t, h.fb.presents)
	assert.Positive(t, h.fb.countPixels(0), "nothing drawn on the panic screen")

	presents := h.fb.presents
	assert.ErrorIs(t, s.Step(), ErrHalted)
	assert.Equal(t, presents, h.fb.presents)
}

func TestRestartThenPanic(t *testing.T) {
	h := newTestHAL(t, "boom")
	cfg := DefaultBoardConfig()
	cfg.Fault = FaultConfig{Response: "restart", Policy: "threshold_then_panic", Threshold: 1}
	cfg.Apps = map[string]string{"boom": "crash"}
	s := boot(t, h, cfg)

	assert.ErrorIs(t, s.Step(), ErrHalted)
	info, ok := s.Panic()
	require.True(t, ok)
	assert.Equal(t, 2, info.RestartCount)
}

func TestBootKeepsGoodAppsWhenOneFails(t *testing.T) {
	h := newTestHAL(t)
	var buf bytes.Buffer
	for _, img := range []tbf.Image{
		{Name: "big", TotalSize: 8192, InitFnOffset: 0x41, MinimumRAMSize: 1 << 20},
		{Name: "ok", TotalSize: 8192, InitFnOffset: 0x41},
	} {
		b, err := tbf.Encode(img)
		require.NoError(t, err)
		buf.Write(b)
	}
	buf.Write(bytes.Repeat([]byte{0xFF}, 64))
	h.flash = memFlash(buf.Bytes())

	s := boot(t, h, DefaultBoardConfig())
	require.ErrorIs(t, s.LoadError(), kernel.ErrNotEnoughMemory)
	process(t, s, "ok")
	_, ok := s.Kernel().ProcessByName("big")
	assert.False(t, ok)
	assert.True(t, h.log.contains("load:"))
	assert.Less(t, s.UnusedRAM().Len(), DefaultBoardConfig().RAM.Size)
}

func TestBootWithoutFlash(t *testing.T) {
	h := newTestHAL(t)
	h.flash = nil
	_, err := Boot(h, DefaultBoardConfig())
	assert.ErrorIs(t, err, hal.ErrNotImplemented)
}

func TestBootExtraGrants(t *testing.T) {
	h := newTestHAL(t, "a")
	cfg := DefaultBoardConfig()
	cfg.Grants = []string{"gpio", "console"}
	_, err := Boot(h, cfg)
	assert.ErrorIs(t, err, ErrBadConfig)

	cfg.Grants = []string{"gpio"}
	s := boot(t, h, cfg)
	assert.Equal(t, 3, s.Kernel().GrantCount())
}

func TestDump(t *testing.T) {
	h := newTestHAL(t, "a", "b")
	s := boot(t, h, DefaultBoardConfig())
	s.Dump()

	assert.True(t, h.log.contains("ember "))
	assert.True(t, h.log.contains("restarts=0 tasks=1"))
	assert.True(t, h.log.contains("App: b"))
	assert.Positive(t, h.fb.presents)
}

func TestDumpOnBootWithoutDisplay(t *testing.T) {
	h := newTestHAL(t, "a")
	h.fb = nil
	cfg := DefaultBoardConfig()
	cfg.Debug.DumpOnBoot = true
	boot(t, h, cfg)
	assert.True(t, h.log.contains("App: a"))
}

func TestTakeRunes(t *testing.T) {
	head, rest := takeRunes("héllo", 2)
	assert.Equal(t, "hé", head)
	assert.Equal(t, "llo", rest)
	head, rest = takeRunes("ab", 5)
	assert.Equal(t, "ab", head)
	assert.Empty(t, rest)
}

func TestPingPong(t *testing.T) {
	h := newTestHAL(t, "a", "b")
	cfg := DefaultBoardConfig()
	cfg.Apps = map[string]string{"a": "ping", "b": "ping"}
	s := boot(t, h, cfg)

	s.Tick(0)
	s.Tick(1)
	assert.True(t, h.log.contains("[a] ping from 1"))
	assert.True(t, h.log.contains("[b] ping from 0"))
	assert.Equal(t, kernel.Yielded, process(t, s, "a").State())
	assert.Equal(t, kernel.Yielded, process(t, s, "b").State())
}
