package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember/sparkos/kernel"
)

const board = `
flash:
  base: 0x80000
  path: apps.flash
ram:
  base: 0x20004000
  size: 0x8000
max_processes: 8
quantum_us: 2000
fault:
  response: restart
  policy: threshold_then_panic
  threshold: 5
grants: [gpio]
storage_locations:
  - address: 0xf0000
    size: 4096
debug:
  trace_syscalls: true
apps:
  blink: hello
  bad: crash
`

func TestParseBoardConfig(t *testing.T) {
	cfg, err := ParseBoardConfig([]byte(board))
	require.NoError(t, err)

	assert.Equal(t, uint32(0x80000), cfg.Flash.Base)
	assert.Equal(t, "apps.flash", cfg.Flash.Path)
	assert.Equal(t, uint32(0x2000_4000), cfg.RAM.Base)
	assert.Equal(t, uint32(0x8000), cfg.RAM.Size)
	assert.Equal(t, 8, cfg.MaxProcesses)
	assert.Equal(t, uint32(2000), cfg.QuantumUS)
	assert.Equal(t, []string{"gpio"}, cfg.Grants)
	assert.True(t, cfg.Debug.TraceSyscalls)
	assert.Equal(t, "crash", cfg.Apps["bad"])
	assert.Equal(t, []kernel.StorageLocation{{Address: 0xf0000, Size: 4096}}, cfg.storageLocations())

	// Unset keys keep their defaults.
	def := DefaultBoardConfig()
	assert.Equal(t, def.SwitchCostUS, cfg.SwitchCostUS)
	assert.Equal(t, def.StepsPerTick, cfg.StepsPerTick)

	fault, err := cfg.FaultResponse()
	require.NoError(t, err)
	assert.Equal(t, kernel.FaultRestart, fault.Action)
	assert.Equal(t, kernel.ThresholdRestartThenPanic{Threshold: 5}, fault.Policy)
}

func TestLoadBoardConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	require.NoError(t, os.WriteFile(path, []byte(board), 0o644))
	cfg, err := LoadBoardConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxProcesses)

	_, err = LoadBoardConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBoardConfigRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"syntax":          "ram: [",
		"no ram":          "ram: {size: 0}",
		"ram wraps":       "ram: {base: 0xffff0000, size: 0x20000}",
		"negative procs":  "max_processes: -1",
		"unknown program": "apps: {a: dance}",
		"bad response":    "fault: {response: reboot}",
		"bad policy":      "fault: {response: restart, policy: sometimes}",
		"bad threshold":   "fault: {response: restart, threshold: -1}",
		"builtin grant":   "grants: [alarm]",
		"duplicate grant": "grants: [gpio, gpio]",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBoardConfig([]byte(doc))
			assert.ErrorIs(t, err, ErrBadConfig)
		})
	}
}

func TestFaultResponses(t *testing.T) {
	for _, tc := range []struct {
		fault FaultConfig
		want  kernel.FaultResponse
	}{
		{FaultConfig{}, kernel.StopOnFault()},
		{FaultConfig{Response: "stop"}, kernel.StopOnFault()},
		{FaultConfig{Response: "panic"}, kernel.PanicOnFault()},
		{FaultConfig{Response: "restart", Policy: "always"}, kernel.RestartOnFault(kernel.AlwaysRestart{})},
		{FaultConfig{Response: "restart", Threshold: 2}, kernel.RestartOnFault(kernel.ThresholdRestart{Threshold: 2})},
	} {
		cfg := DefaultBoardConfig()
		cfg.Fault = tc.fault
		got, err := cfg.FaultResponse()
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%+v", tc.fault)
	}
}

func TestPrograms(t *testing.T) {
	assert.Equal(t, []string{"crash", "hello", "hog", "idle", "ping"}, Programs())
}
