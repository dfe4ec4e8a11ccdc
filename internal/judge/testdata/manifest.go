// Package testdata loads, caches and unpacks versioned problem test archives.
package testdata

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
)

// Manifest describes the cases of one testdata version.
type Manifest struct {
	Version              string       `json:"version"`
	Cases                []Case       `json:"cases"`
	DefaultTimeLimitMs   int64        `json:"defaultTimeLimitMs"`
	DefaultMemoryLimitKb int64        `json:"defaultMemoryLimitKb"`
	Chaos                *ChaosConfig `json:"chaos,omitempty"`
}

// Case is one test case. Zero limits fall back to the manifest defaults.
type Case struct {
	Name          string `json:"name"`
	InputFile     string `json:"inputFile"`
	OutputFile    string `json:"outputFile"`
	Points        int    `json:"points"`
	IsSample      bool   `json:"isSample"`
	TimeLimitMs   int64  `json:"timeLimitMs,omitempty"`
	MemoryLimitKb int64  `json:"memoryLimitKb,omitempty"`
	SubtaskID     int    `json:"subtaskId,omitempty"`
}

// ChaosConfig plants files from testdata/chaos/ into src/ before a case runs.
type ChaosConfig struct {
	Enabled bool     `json:"enabled"`
	Files   []string `json:"files,omitempty"`
	// InjectBeforeCase is the zero-based case index; the first case when unset.
	InjectBeforeCase int `json:"injectBeforeCase,omitempty"`
}

// ParseManifest decodes and validates a manifest document.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate rejects manifests that reference files outside the archive root.
func (m *Manifest) Validate() error {
	for i, c := range m.Cases {
		if c.InputFile == "" {
			return fmt.Errorf("case %d has no input file", i)
		}
		for _, f := range []string{c.InputFile, c.OutputFile} {
			if f != "" && !localPath(f) {
				return fmt.Errorf("case %d references unsafe path %q", i, f)
			}
		}
	}
	if m.Chaos != nil {
		for _, f := range m.Chaos.Files {
			if !localPath(f) {
				return fmt.Errorf("chaos file %q is unsafe", f)
			}
		}
	}
	return nil
}

// Limits resolves a case's limits: case override, then manifest default, then fallback.
func (m *Manifest) Limits(c Case, fallbackTimeMs, fallbackMemKb int64) (int64, int64) {
	t, mem := c.TimeLimitMs, c.MemoryLimitKb
	if t <= 0 {
		t = m.DefaultTimeLimitMs
	}
	if t <= 0 {
		t = fallbackTimeMs
	}
	if mem <= 0 {
		mem = m.DefaultMemoryLimitKb
	}
	if mem <= 0 {
		mem = fallbackMemKb
	}
	return t, mem
}

func localPath(p string) bool {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, `\`) {
		return false
	}
	clean := path.Clean(p)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}
