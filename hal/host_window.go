//go:build !tinygo && cgo

package hal

import (
	"image"

	"ember/internal/buildinfo"

	"github.com/hajimehoshi/ebiten/v2"
)

// RunWindow starts a desktop window that displays the framebuffer.
// It blocks until the window closes.
func RunWindow(opts Options, newApp NewApp, stepBudget int) error {
	h := newHost(opts)
	defer h.flash.Close()
	step, err := newApp(h)
	if err != nil {
		return err
	}
	if stepBudget <= 0 {
		stepBudget = 1
	}

	g := &hostGame{h: h, step: step, budget: stepBudget}
	ebiten.SetWindowTitle("Ember (" + buildinfo.Short() + ")")
	ebiten.SetWindowSize(h.fb.width*2, h.fb.height*2)
	ebiten.SetTPS(60)
	return ebiten.RunGame(g)
}

type hostGame struct {
	h      *hostHAL
	step   func() error
	budget int

	img     *image.RGBA
	fbImg   *ebiten.Image
	scratch []byte
	frame   uint64
}

func (g *hostGame) Update() error {
	g.h.t.step(1)
	for i := 0; i < g.budget && g.step != nil; i++ {
		if err := g.step(); err != nil {
			return err
		}
	}
	return nil
}

func (g *hostGame) Draw(screen *ebiten.Image) {
	fb := g.h.fb
	if g.img == nil {
		g.img = image.NewRGBA(image.Rect(0, 0, fb.width, fb.height))
		g.scratch = make([]byte, len(fb.buf))
		g.fbImg = ebiten.NewImage(fb.width, fb.height)
	}

	// Only re-upload when a new frame was presented.
	if frame := fb.snapshotRGB565(g.scratch); frame != g.frame {
		g.frame = frame
		expandRGB565(g.img.Pix, g.scratch)
		g.fbImg.WritePixels(g.img.Pix)
	}
	screen.DrawImage(g.fbImg, nil)
}

func (g *hostGame) Layout(outsideWidth, outsideHeight int) (int, int) {
	return g.h.fb.width, g.h.fb.height
}
