package engine

import (
	"fmt"
	"strconv"

	"github.com/docker/go-units"
)

// Config controls container resource defaults.
type Config struct {
	Image     string `yaml:"image"`
	CPUs      string `yaml:"cpus"`
	Memory    string `yaml:"memory"`
	PidsLimit int64  `yaml:"pidsLimit"`
	TmpfsSize string `yaml:"tmpfsSize"`
}

// DefaultConfig mirrors the defaults of the sandbox image deployment.
func DefaultConfig() Config {
	return Config{
		Image:     "noj4-sandbox:0.1",
		CPUs:      "1",
		Memory:    "512m",
		PidsLimit: 256,
		TmpfsSize: "128m",
	}
}

type resources struct {
	nanoCPUs    int64
	memoryBytes int64
	pidsLimit   int64
	tmpfs       string
}

func (c Config) resolve() (resources, error) {
	d := DefaultConfig()
	if c.CPUs == "" {
		c.CPUs = d.CPUs
	}
	if c.Memory == "" {
		c.Memory = d.Memory
	}
	if c.PidsLimit <= 0 {
		c.PidsLimit = d.PidsLimit
	}
	if c.TmpfsSize == "" {
		c.TmpfsSize = d.TmpfsSize
	}
	cpus, err := strconv.ParseFloat(c.CPUs, 64)
	if err != nil || cpus <= 0 {
		return resources{}, fmt.Errorf("invalid cpus %q", c.CPUs)
	}
	mem, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return resources{}, fmt.Errorf("invalid memory %q: %w", c.Memory, err)
	}
	if _, err := units.RAMInBytes(c.TmpfsSize); err != nil {
		return resources{}, fmt.Errorf("invalid tmpfs size %q: %w", c.TmpfsSize, err)
	}
	return resources{
		nanoCPUs:    int64(cpus * 1e9),
		memoryBytes: mem,
		pidsLimit:   c.PidsLimit,
		tmpfs:       "rw,noexec,nosuid,size=" + c.TmpfsSize,
	}, nil
}
