package app

import (
	"fmt"
	"image/color"
	"strings"
	"unicode/utf8"

	"tinygo.org/x/tinyfont"
	"tinygo.org/x/tinyfont/proggy"

	"ember/hal"
	"ember/sparkos/kernel"
)

// onPanic runs inside the kernel with the faulting process locked, so it
// only uses what info carries.
func (s *System) onPanic(info kernel.PanicInfo) {
	s.halt = &info
	s.log.WriteLineString(fmt.Sprintf("Ember Panic: %v", info))
	s.writeLines(info.Dump)
	if len(info.Stack) > 0 {
		s.writeLines(string(info.Stack))
	}

	if d := s.h.Display(); d != nil {
		drawPanic(d.Framebuffer(), info)
	}
}

// panicLines is the text of the panic screen.
func panicLines(info kernel.PanicInfo) []string {
	lines := []string{
		"Ember Panic:",
		info.Reason,
		fmt.Sprintf("process: %s (%v)", info.Process, info.ID),
		fmt.Sprintf("state: %v  restarts: %d", info.State, info.RestartCount),
	}
	for _, line := range strings.Split(info.Dump, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// drawPanic fills the screen with the panic report, wrapping long lines and
// dropping what does not fit.
func drawPanic(fb hal.Framebuffer, info kernel.PanicInfo) {
	if fb == nil || fb.Format() != hal.PixelFormatRGB565 {
		return
	}
	fb.ClearRGB(255, 255, 255)

	font := &proggy.TinySZ8pt7b
	fontHeight, fontOffset := int16(10), int16(6)
	_, outboxWidth := tinyfont.LineWidth(font, "0")
	fontWidth := int16(outboxWidth)
	if fontWidth <= 0 {
		_ = fb.Present()
		return
	}

	d := fbDisplay{fb: fb}
	fg := color.RGBA{A: 255}
	cols := max(int16(fb.Width())/fontWidth, 1)
	maxY := int16(fb.Height())

	y := int16(0)
draw:
	for _, line := range panicLines(info) {
		for len(line) > 0 {
			if y+fontHeight > maxY {
				break draw
			}
			chunk, rest := takeRunes(line, cols)
			drawTextLine(d, font, fontWidth, fontOffset, 0, y, chunk, fg)
			y += fontHeight
			line = strings.TrimLeft(rest, " ")
		}
	}
	_ = fb.Present()
}

func drawTextLine(d fbDisplay, font tinyfont.Fonter, fontWidth, fontOffset, x0, y0 int16, s string, fg color.RGBA) {
	x := x0
	for _, r := range s {
		tinyfont.DrawChar(d, font, x, y0+fontOffset, r, fg)
		x += fontWidth
	}
}

// takeRunes splits s after n runes.
func takeRunes(s string, n int16) (prefix, rest string) {
	if n <= 0 || s == "" {
		return "", s
	}
	i := 0
	for count := int16(0); i < len(s) && count < n; count++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i], s[i:]
}
