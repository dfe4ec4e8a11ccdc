// Package spec defines the container execution specification and resource limits.
package spec

import (
	"io"
	"time"
)

// Language identifies a supported submission language as the sandbox image expects it.
type Language string

const (
	LanguageC      Language = "C"
	LanguageCPP    Language = "CPP"
	LanguageJava   Language = "JAVA"
	LanguagePython Language = "PYTHON"
)

// Limits are the per-case limits enforced inside the container by the sandbox image.
type Limits struct {
	TimeLimitMs   int64
	MemoryLimitKb int64
	Network       *NetworkPolicy
}

// NetworkMode selects how a run container is attached to the network.
type NetworkMode string

const (
	NetworkNone     NetworkMode = "none"
	NetworkFirewall NetworkMode = "firewall"
	NetworkSidecar  NetworkMode = "sidecar"
)

// NetworkPolicy describes optional outbound access for a run.
//
// Firewall mode is advisory: the allow-lists are handed to the container as
// environment hints and the restricted bridge network is expected to enforce
// them. Nothing in this process filters traffic.
type NetworkPolicy struct {
	Enabled        bool        `json:"enabled"`
	Mode           NetworkMode `json:"mode,omitempty"`
	AllowedDomains []string    `json:"allowedDomains,omitempty"`
	AllowedIPs     []string    `json:"allowedIPs,omitempty"`
	AllowedPorts   []int       `json:"allowedPorts,omitempty"`
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is the unified specification for one single-use container.
type ContainerSpec struct {
	Name       string
	Image      string
	Entrypoint []string
	Cmd        []string
	Env        []string
	Labels     map[string]string
	WorkDir    string
	Mounts     []MountSpec

	// Network is the docker network name; empty means "none".
	Network string

	// MemoryBytes overrides the engine default memory and memory-swap ceiling when positive.
	MemoryBytes int64

	// Timeout is the outer wall clock; on expiry the container is force-removed.
	Timeout time.Duration

	// OutputLimit bounds each of stdout and stderr as streamed from the container.
	OutputLimit int64

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Outcome is what the engine observed about a finished container.
type Outcome struct {
	ExitCode  int
	OOMKilled bool
	Duration  time.Duration
}
