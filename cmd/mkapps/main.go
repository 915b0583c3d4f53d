//go:build !tinygo

// Command mkapps builds an app flash image from a YAML manifest.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ember/sparkos/tbf"
)

const (
	defaultFlashPath = "ember.flash"
	defaultFlashSize = 512 * 1024
	defaultEraseSize = 4096
)

// manifest lists the flash entries in order.
type manifest struct {
	// Size is the image size; 0 rounds the entries up to an erase block.
	Size uint32  `yaml:"size"`
	Apps []entry `yaml:"apps"`
}

// entry is an app image, or padding when Padding is set.
type entry struct {
	Name         string  `yaml:"name"`
	Size         uint32  `yaml:"size"`
	InitFnOffset uint32  `yaml:"init_fn_offset"`
	Protected    uint32  `yaml:"protected_size"`
	MinimumRAM   uint32  `yaml:"minimum_ram"`
	Disabled     bool    `yaml:"disabled"`
	Sticky       bool    `yaml:"sticky"`
	FixedRAM     *uint32 `yaml:"fixed_ram"`
	FixedFlash   *uint32 `yaml:"fixed_flash"`
	Writeable    []struct {
		Offset uint32 `yaml:"offset"`
		Size   uint32 `yaml:"size"`
	} `yaml:"writeable_flash_regions"`

	Padding uint32 `yaml:"padding"`
}

var errManifest = errors.New("mkapps: bad manifest")

func main() {
	var manifestPath, outPath string
	flag.StringVar(&manifestPath, "manifest", "", "YAML manifest of the apps to place in flash.")
	flag.StringVar(&outPath, "out", defaultFlashPath, "Output flash image path.")
	flag.Parse()

	if manifestPath == "" {
		fmt.Fprintln(os.Stderr, "error: -manifest is required")
		os.Exit(2)
	}
	if err := run(manifestPath, outPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(manifestPath, outPath string) error {
	b, err := os.ReadFile(manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return fmt.Errorf("%w: %v", errManifest, err)
	}
	img, err := build(m)
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, img, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s: %d entries, %d bytes\n", outPath, len(m.Apps), len(img))
	return nil
}

// build lays the entries out back to back and fills the rest of the image
// with erased flash.
func build(m manifest) ([]byte, error) {
	var buf bytes.Buffer
	for i, e := range m.Apps {
		b, err := encode(e)
		if err != nil {
			return nil, fmt.Errorf("%w: entry %d (%s): %v", errManifest, i, e.Name, err)
		}
		buf.Write(b)
	}

	size := m.Size
	if size == 0 {
		size = max(roundUp(uint32(buf.Len()), defaultEraseSize), defaultEraseSize)
	}
	if size%defaultEraseSize != 0 {
		return nil, fmt.Errorf("%w: size %d is not a multiple of %d", errManifest, size, defaultEraseSize)
	}
	if uint32(buf.Len()) > size {
		return nil, fmt.Errorf("%w: %d bytes of apps do not fit in %d", errManifest, buf.Len(), size)
	}
	buf.Write(bytes.Repeat([]byte{0xFF}, int(size)-buf.Len()))
	return buf.Bytes(), nil
}

func encode(e entry) ([]byte, error) {
	if e.Padding != 0 {
		return tbf.EncodePadding(e.Padding)
	}
	if e.Name == "" {
		return nil, errors.New("missing name")
	}
	img := tbf.Image{
		Name:           e.Name,
		TotalSize:      e.Size,
		InitFnOffset:   e.InitFnOffset,
		ProtectedSize:  e.Protected,
		MinimumRAMSize: e.MinimumRAM,
		Disabled:       e.Disabled,
		Sticky:         e.Sticky,
		FixedRAM:       e.FixedRAM,
		FixedFlash:     e.FixedFlash,
	}
	if img.TotalSize == 0 {
		img.TotalSize = 8192
	}
	for _, r := range e.Writeable {
		img.WriteableFlashRegions = append(img.WriteableFlashRegions, tbf.WriteableFlashRegion{Offset: r.Offset, Size: r.Size})
	}
	return tbf.Encode(img)
}

func roundUp(n, to uint32) uint32 { return (n + to - 1) / to * to }
