package app

import (
	"fmt"
	"strings"

	"tinygo.org/x/tinyfont/proggy"
	"tinygo.org/x/tinyterm"

	"ember/hal"
	"ember/internal/buildinfo"
)

// screen is the on-display process monitor.
type screen struct {
	disp fbDisplay
	t    *tinyterm.Terminal
}

// newTerminal returns nil when the board has no RGB565 framebuffer.
func newTerminal(d hal.Display) *screen {
	if d == nil {
		return nil
	}
	fb := d.Framebuffer()
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	fb.ClearRGB(0, 0, 0)
	disp := fbDisplay{fb: fb}
	t := tinyterm.NewTerminal(disp)
	t.Configure(&tinyterm.Config{
		Font:       &proggy.TinySZ8pt7b,
		FontHeight: 10,
		FontOffset: 6,
	})
	return &screen{disp: disp, t: t}
}

func (s *screen) show(text string) {
	if s == nil {
		return
	}
	fmt.Fprint(s.t, strings.ReplaceAll(text, "\n", "\r\n"))
	_ = s.disp.Display()
}

// Dump writes a summary line per process and each process's full report to
// the log and the screen.
func (s *System) Dump() {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", buildinfo.Banner())
	for _, p := range s.k.Processes() {
		fmt.Fprintf(&b, "%-10s %-6v %-15v restarts=%d tasks=%d\n",
			p.Name(), p.ID(), p.State(), p.RestartCount(), p.PendingTasks())
	}
	for _, p := range s.k.Processes() {
		p.PrintFullProcess(&b)
	}
	s.writeLines(b.String())
	s.term.show(b.String())
}

func (s *System) writeLines(text string) {
	for _, line := range strings.Split(strings.TrimRight(text, "\n"), "\n") {
		s.log.WriteLineString(line)
	}
}
