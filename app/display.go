package app

import (
	"image/color"

	"tinygo.org/x/drivers"

	"ember/hal"
)

// fbDisplay draws into an RGB565 framebuffer for tinyfont and tinyterm.
// Display presents the frame.
type fbDisplay struct {
	fb hal.Framebuffer
}

func (d fbDisplay) usable() []byte {
	if d.fb == nil || d.fb.Format() != hal.PixelFormatRGB565 {
		return nil
	}
	return d.fb.Buffer()
}

func (d fbDisplay) Size() (x, y int16) {
	if d.fb == nil {
		return 0, 0
	}
	return int16(d.fb.Width()), int16(d.fb.Height())
}

func (d fbDisplay) SetPixel(x, y int16, c color.RGBA) {
	buf := d.usable()
	if buf == nil {
		return
	}
	ix, iy := int(x), int(y)
	if ix < 0 || ix >= d.fb.Width() || iy < 0 || iy >= d.fb.Height() {
		return
	}
	off := iy*d.fb.StrideBytes() + ix*2
	if off+1 >= len(buf) {
		return
	}
	p := rgb565(c)
	buf[off] = byte(p)
	buf[off+1] = byte(p >> 8)
}

func (d fbDisplay) Display() error {
	if d.fb == nil {
		return nil
	}
	return d.fb.Present()
}

func (d fbDisplay) FillRectangle(x, y, width, height int16, c color.RGBA) error {
	buf := d.usable()
	if buf == nil {
		return nil
	}
	w, h := d.fb.Width(), d.fb.Height()
	x0, y0 := clampInt(int(x), 0, w), clampInt(int(y), 0, h)
	x1, y1 := clampInt(int(x)+int(width), 0, w), clampInt(int(y)+int(height), 0, h)

	p := rgb565(c)
	lo, hi := byte(p), byte(p>>8)
	stride := d.fb.StrideBytes()
	for py := y0; py < y1; py++ {
		for px := x0; px < x1; px++ {
			off := py*stride + px*2
			if off+1 >= len(buf) {
				continue
			}
			buf[off] = lo
			buf[off+1] = hi
		}
	}
	return nil
}

// SetScroll is a no-op: the framebuffer has no hardware scroll.
func (d fbDisplay) SetScroll(line int16) {}

func (d fbDisplay) SetRotation(drivers.Rotation) error { return nil }

var _ drivers.Displayer = fbDisplay{}

func rgb565(c color.RGBA) uint16 {
	return uint16(c.R>>3)<<11 | uint16(c.G>>2)<<5 | uint16(c.B>>3)
}

func clampInt(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
