package app

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ember/sparkos/kernel"
)

// BoardConfig describes the simulated board: where app flash and process
// RAM live, how the kernel reacts to faults and which program each app runs.
type BoardConfig struct {
	Flash FlashConfig `yaml:"flash"`
	RAM   RAMConfig   `yaml:"ram"`

	MaxProcesses int    `yaml:"max_processes"`
	QuantumUS    uint32 `yaml:"quantum_us"`
	// SwitchCostUS is the simulated time one context switch takes.
	SwitchCostUS uint32 `yaml:"switch_cost_us"`
	// StepsPerTick bounds the scheduler decisions per host tick.
	StepsPerTick int `yaml:"steps_per_tick"`

	Fault FaultConfig `yaml:"fault"`

	// Grants are extra driver grants registered next to the built-in
	// console and alarm grants.
	Grants           []string          `yaml:"grants"`
	StorageLocations []StorageConfig   `yaml:"storage_locations"`
	Debug            DebugConfig       `yaml:"debug"`
	Apps             map[string]string `yaml:"apps"`
}

type FlashConfig struct {
	Base uint32 `yaml:"base"`
	Path string `yaml:"path"`
	// Size limits how much of the flash device holds apps; 0 means all.
	Size uint32 `yaml:"size"`
}

type RAMConfig struct {
	Base uint32 `yaml:"base"`
	Size uint32 `yaml:"size"`
}

type FaultConfig struct {
	// Response is panic, stop or restart.
	Response string `yaml:"response"`
	// Policy is always, threshold or threshold_then_panic.
	Policy    string `yaml:"policy"`
	Threshold int    `yaml:"threshold"`
}

type StorageConfig struct {
	Address uint32 `yaml:"address"`
	Size    uint32 `yaml:"size"`
}

type DebugConfig struct {
	LoadProcesses bool `yaml:"load_processes"`
	TraceSyscalls bool `yaml:"trace_syscalls"`
	DumpOnBoot    bool `yaml:"dump_on_boot"`
}

var ErrBadConfig = errors.New("app: bad board config")

// DefaultBoardConfig is a board with 128 KiB of process RAM that restarts
// faulting apps up to three times.
func DefaultBoardConfig() BoardConfig {
	return BoardConfig{
		Flash:        FlashConfig{Base: 0x0004_0000, Path: "ember.flash"},
		RAM:          RAMConfig{Base: 0x2000_0000, Size: 128 * 1024},
		MaxProcesses: kernel.DefaultMaxProcesses,
		QuantumUS:    kernel.DefaultQuantumUS,
		SwitchCostUS: 100,
		StepsPerTick: 16,
		Fault:        FaultConfig{Response: "restart", Policy: "threshold", Threshold: 3},
	}
}

// LoadBoardConfig reads a YAML board file over the defaults.
func LoadBoardConfig(path string) (BoardConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return BoardConfig{}, fmt.Errorf("read board config: %w", err)
	}
	return ParseBoardConfig(b)
}

// ParseBoardConfig decodes YAML over the defaults and validates the result.
func ParseBoardConfig(b []byte) (BoardConfig, error) {
	cfg := DefaultBoardConfig()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return BoardConfig{}, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return BoardConfig{}, err
	}
	return cfg, nil
}

func (c BoardConfig) Validate() error {
	if c.RAM.Size == 0 {
		return fmt.Errorf("%w: ram.size must be set", ErrBadConfig)
	}
	if uint64(c.RAM.Base)+uint64(c.RAM.Size) > 1<<32 {
		return fmt.Errorf("%w: ram 0x%08x+%d passes the end of the address space", ErrBadConfig, c.RAM.Base, c.RAM.Size)
	}
	if c.MaxProcesses < 0 {
		return fmt.Errorf("%w: max_processes %d", ErrBadConfig, c.MaxProcesses)
	}
	if _, err := c.FaultResponse(); err != nil {
		return err
	}
	seen := map[string]bool{"console": true, "alarm": true}
	for _, g := range c.Grants {
		if g == "" || seen[g] {
			return fmt.Errorf("%w: grant %q", ErrBadConfig, g)
		}
		seen[g] = true
	}
	for name, prog := range c.Apps {
		if _, ok := programs[prog]; !ok {
			return fmt.Errorf("%w: app %q: unknown program %q", ErrBadConfig, name, prog)
		}
	}
	return nil
}

// FaultResponse turns the fault section into the kernel's fault response.
func (c BoardConfig) FaultResponse() (kernel.FaultResponse, error) {
	switch c.Fault.Response {
	case "panic":
		return kernel.PanicOnFault(), nil
	case "stop", "":
		return kernel.StopOnFault(), nil
	case "restart":
	default:
		return kernel.FaultResponse{}, fmt.Errorf("%w: fault.response %q", ErrBadConfig, c.Fault.Response)
	}

	if c.Fault.Threshold < 0 {
		return kernel.FaultResponse{}, fmt.Errorf("%w: fault.threshold %d", ErrBadConfig, c.Fault.Threshold)
	}
	switch c.Fault.Policy {
	case "always":
		return kernel.RestartOnFault(kernel.AlwaysRestart{}), nil
	case "threshold", "":
		return kernel.RestartOnFault(kernel.ThresholdRestart{Threshold: c.Fault.Threshold}), nil
	case "threshold_then_panic":
		return kernel.RestartOnFault(kernel.ThresholdRestartThenPanic{Threshold: c.Fault.Threshold}), nil
	default:
		return kernel.FaultResponse{}, fmt.Errorf("%w: fault.policy %q", ErrBadConfig, c.Fault.Policy)
	}
}

func (c BoardConfig) storageLocations() []kernel.StorageLocation {
	out := make([]kernel.StorageLocation, 0, len(c.StorageLocations))
	for _, s := range c.StorageLocations {
		out = append(out, kernel.StorageLocation{Address: kernel.Addr(s.Address), Size: s.Size})
	}
	return out
}
