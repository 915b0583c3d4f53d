//go:build !tinygo

package hal

import (
	"context"
	"fmt"
	"time"
)

// HeadlessConfig controls the no-window host runner.
type HeadlessConfig struct {
	Enabled bool
	Hz      int
	// Ticks stops the runner after this many frames; 0 runs until ctx ends.
	Ticks uint64
	// StepBudget is how many times step runs per frame.
	StepBudget int
}

// NewApp builds the system on h and returns its per-frame step function.
type NewApp func(h HAL) (step func() error, err error)

// RunHeadless runs the OS without opening a window.
func RunHeadless(ctx context.Context, opts Options, newApp NewApp, cfg HeadlessConfig) error {
	if cfg.Hz <= 0 {
		cfg.Hz = 60
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = 1
	}
	d := time.Second / time.Duration(cfg.Hz)
	if d <= 0 {
		return fmt.Errorf("invalid headless hz: %d", cfg.Hz)
	}

	h := newHost(opts)
	defer h.flash.Close()
	step, err := newApp(h)
	if err != nil {
		return err
	}

	t := time.NewTicker(d)
	defer t.Stop()

	var tick uint64
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			h.t.step(1)
			for i := 0; i < cfg.StepBudget && step != nil; i++ {
				if err := step(); err != nil {
					return err
				}
			}
			tick++
			if cfg.Ticks > 0 && tick >= cfg.Ticks {
				return nil
			}
		}
	}
}
