//go:build !tinygo

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/sparkos/tbf"
)

const manifestYAML = `
apps:
  - name: blink
    init_fn_offset: 0x41
    minimum_ram: 4096
  - padding: 4096
  - name: off
    size: 4096
    disabled: true
`

func TestRunWritesImage(t *testing.T) {
	dir := t.TempDir()
	in, out := filepath.Join(dir, "apps.yaml"), filepath.Join(dir, "apps.flash")
	require.NoError(t, os.WriteFile(in, []byte(manifestYAML), 0o644))
	require.NoError(t, run(in, out))

	img, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, img, 8192+4096+4096)

	var head [8]byte
	copy(head[:], img)
	version, headerLen, entryLen, err := tbf.ParseLengths(head)
	require.NoError(t, err)
	assert.Equal(t, uint32(8192), entryLen)
	hdr, err := tbf.ParseHeader(img[:headerLen], version)
	require.NoError(t, err)
	assert.Equal(t, "blink", hdr.PackageName())
	assert.Equal(t, uint32(4096), hdr.MinimumRAMSize())
}

func TestBuildPadsWithErasedFlash(t *testing.T) {
	img, err := build(manifest{Size: 16384, Apps: []entry{{Name: "a", Size: 4096}}})
	require.NoError(t, err)
	require.Len(t, img, 16384)
	for _, b := range img[4096:] {
		require.Equal(t, byte(0xFF), b)
	}
}

func TestBuildRejects(t *testing.T) {
	for name, m := range map[string]manifest{
		"no name":       {Apps: []entry{{Size: 4096}}},
		"too small":     {Apps: []entry{{Name: "a", Size: 8}}},
		"overflow":      {Size: 4096, Apps: []entry{{Name: "a", Size: 8192}}},
		"unaligned":     {Size: 5000},
		"short padding": {Apps: []entry{{Padding: 4}}},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := build(m)
			assert.ErrorIs(t, err, errManifest)
		})
	}
}

func TestRunBadManifest(t *testing.T) {
	in := filepath.Join(t.TempDir(), "apps.yaml")
	require.NoError(t, os.WriteFile(in, []byte("apps: {"), 0o644))
	assert.ErrorIs(t, run(in, filepath.Join(t.TempDir(), "out")), errManifest)
	assert.ErrorIs(t, run(filepath.Join(t.TempDir(), "missing"), "out"), os.ErrNotExist)
}
