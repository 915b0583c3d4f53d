//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"ember/app"
	"ember/hal"
	"ember/internal/buildinfo"
)

func main() {
	var hcfg hal.HeadlessConfig
	var boardPath string
	var dumpOnExit, version bool
	flag.StringVar(&boardPath, "board", "", "Board config YAML (default: built-in board).")
	flag.BoolVar(&hcfg.Enabled, "headless", false, "Run without a window.")
	flag.IntVar(&hcfg.Hz, "hz", 60, "Tick rate in headless mode.")
	flag.Uint64Var(&hcfg.Ticks, "ticks", 0, "Stop after N ticks in headless mode (0 = run forever).")
	flag.BoolVar(&dumpOnExit, "dump", false, "Print every process when the headless run ends.")
	flag.BoolVar(&version, "version", false, "Print the version and exit.")
	flag.Parse()

	if version {
		fmt.Println(buildinfo.Banner())
		return
	}

	cfg := app.DefaultBoardConfig()
	if boardPath != "" {
		var err error
		if cfg, err = app.LoadBoardConfig(boardPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}
	opts := hal.Options{FlashPath: cfg.Flash.Path}

	var sys *app.System
	newApp := func(h hal.HAL) (func() error, error) {
		s, err := app.Boot(h, cfg)
		if err != nil {
			return nil, err
		}
		sys = s
		return s.Step, nil
	}

	if hcfg.Enabled {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		err := hal.RunHeadless(ctx, opts, newApp, hcfg)
		if sys != nil && dumpOnExit {
			sys.Dump()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Keep the window open on the panic screen after a halt.
	windowApp := func(h hal.HAL) (func() error, error) {
		step, err := newApp(h)
		if err != nil {
			return nil, err
		}
		return func() error {
			if err := step(); err != nil && !errors.Is(err, app.ErrHalted) {
				return err
			}
			return nil
		}, nil
	}
	if err := hal.RunWindow(opts, windowApp, 1); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
